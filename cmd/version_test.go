package cmd

import (
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/hyperdargo/DTEmpire-Ai-Chat-Bot/empirebot"
	"github.com/stretchr/testify/assert"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := empirebot.Version
	originalCommitSHA := empirebot.CommitSHA
	originalBuildTime := empirebot.BuildTime

	t.Cleanup(
		func() {
			empirebot.Version = originalVersion
			empirebot.CommitSHA = originalCommitSHA
			empirebot.BuildTime = originalBuildTime
		},
	)

	empirebot.Version = "1.0.0"
	empirebot.CommitSHA = "abc123"
	empirebot.BuildTime = "2023-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	t.Logf("output: %s", output)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		empirebot.Version,
		empirebot.CommitSHA,
		empirebot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
