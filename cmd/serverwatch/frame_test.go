package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/serverwatch/pkg/smooth"
	"github.com/vjranagit/serverwatch/pkg/types"
)

func TestFrameCommand(t *testing.T) {
	input := `[
		{"id":1,"name":"cdn","samples":[{"ts":1700000000,"value":10},{"ts":1700000060,"value":12}],"loss":[0,5]},
		{"id":2,"name":"dns","samples":[{"ts":1700000060,"value":3}]}
	]`

	var out, status bytes.Buffer
	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&status)
	rootCmd.SetArgs([]string{"frame", "--kind", "service"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())

	assert.Contains(t, out.String(), `"series":["cdn","dns"]`)
	assert.Contains(t, out.String(), `{"created_at":1700000000000,"cdn":10,"cdn_packet_loss":0,"dns":null,"dns_packet_loss":null}`)
	assert.Contains(t, status.String(), "2 rows, 2 series")
}

func TestFrameCommandWindow(t *testing.T) {
	input := `[{"id":1,"name":"cdn","samples":[
		{"ts":1700000000,"value":10},{"ts":1700000060,"value":10},{"ts":1700000120,"value":1000}]}]`

	t.Cleanup(func() {
		frameOpts.window = smooth.DefaultWindowSize
		frameOpts.peakCut = false
		rootCmd.SetArgs(nil)
	})

	var out, status bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&status)

	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs([]string{"frame", "--kind", "metric", "--window", "0"})
	assert.Error(t, rootCmd.Execute())
	out.Reset()

	rootCmd.SetIn(strings.NewReader(input))
	rootCmd.SetArgs([]string{"frame", "--kind", "metric", "--peak-cut", "--window", "1"})
	require.NoError(t, rootCmd.Execute())

	var frame types.WideFrame
	require.NoError(t, json.Unmarshal(out.Bytes(), &frame))
	require.Len(t, frame.Rows, 3)

	// a window of one still smooths: the spike is blended into the trend
	assert.InDelta(t, 0.3*1000+0.7*10, *frame.Rows[2].Values["cdn"], 1e-9)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Equal(t, "serverwatch v"+version+"\n", out.String())
}
