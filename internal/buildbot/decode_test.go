package buildbot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const finishedBuildJSON = `{
  "buildid": 42,
  "number": 7,
  "url": "https://ci.example.org/#/builders/3/builds/7",
  "results": 2,
  "builder": {"name": "linux-amd64"},
  "buildset": {
    "bsid": 11,
    "sourcestamps": [
      {"revision": "abc123", "project": "demo", "branch": "main", "repository": "git://x"},
      {"revision": null, "project": "docs", "branch": null, "repository": "git://docs"}
    ]
  },
  "properties": {"owner": ["bob@example.org", "Force Build Form"], "scheduler": ["nightly", "Scheduler"]}
}`

func TestDecodeBuildReadsNestedFields(t *testing.T) {
	b, err := DecodeBuild([]byte(finishedBuildJSON))
	require.NoError(t, err)

	assert.Equal(t, int64(42), b.ID)
	assert.Equal(t, int64(7), b.Number)
	assert.Equal(t, "linux-amd64", b.BuilderName)
	assert.Equal(t, int64(11), b.BuildsetID)
	require.NotNil(t, b.Result)
	assert.Equal(t, Failure, *b.Result)
	assert.False(t, b.IsSubBuild())

	require.Len(t, b.SourceStamps, 2)
	assert.Equal(t, SourceStamp{Revision: "abc123", Project: "demo", Branch: "main", Repository: "git://x"}, b.SourceStamps[0])
	assert.Equal(t, "", b.SourceStamps[1].Revision)
	assert.Equal(t, "git://docs", b.SourceStamps[1].Repository)

	assert.Equal(t, "bob@example.org", b.Properties["owner"])
	assert.Equal(t, "nightly", b.Properties["scheduler"])
}

func TestDecodeBuildSubBuildAndRunning(t *testing.T) {
	raw := `{"buildid": 9, "results": null, "buildername": "docs",
	  "buildset": {"parent_buildid": 8, "parent_relationship": "triggered by", "sourcestamps": []}}`
	b, err := DecodeBuild([]byte(raw))
	require.NoError(t, err)

	assert.Nil(t, b.Result)
	assert.Equal(t, "docs", b.BuilderName)
	require.True(t, b.IsSubBuild())
	assert.Equal(t, int64(8), *b.ParentBuildID)
	assert.Equal(t, "triggered by", b.ParentRelationship)
	assert.Empty(t, b.SourceStamps)
}

func TestDecodeBuildRejectsMalformed(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":   `{"buildid":`,
		"array":      `[1,2]`,
		"no id":      `{"number": 1}`,
		"bad result": `{"buildid": 1, "results": "exploded"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeBuild([]byte(raw))
			assert.ErrorIs(t, err, ErrMalformedBuild)
		})
	}
}

func TestResultNames(t *testing.T) {
	want := []string{"success", "warnings", "failure", "skipped", "exception", "retry", "cancelled"}
	for i, r := range Results() {
		assert.Equal(t, want[i], r.String())
		parsed, err := ParseResult(want[i])
		require.NoError(t, err)
		assert.Equal(t, r, parsed)
	}
	assert.Equal(t, "unknown", Result(99).String())
	assert.Equal(t, "not finished", StatusString(nil))
}

func TestNewReportSummaries(t *testing.T) {
	b := Build{ID: 5, BuilderName: "lint", Result: ResultPtr(Success)}

	started := NewReport(EventStarted, b)
	assert.Equal(t, "Buildbot started build lint", started.Body)
	assert.Equal(t, "builds.5.new", started.Key.String())

	finished := NewReport(EventFinished, b)
	assert.Equal(t, "Buildbot finished build lint with result success", finished.Body)
	assert.Equal(t, "builds.5.finished", finished.Key.String())

	key, err := ParseEventKey("builds.5.finished")
	require.NoError(t, err)
	assert.Equal(t, finished.Key, key)
}

func TestParseEventKind(t *testing.T) {
	k, ok := ParseEventKind("new")
	assert.True(t, ok)
	assert.Equal(t, EventStarted, k)

	k, ok = ParseEventKind("Finished")
	assert.True(t, ok)
	assert.Equal(t, EventFinished, k)

	_, ok = ParseEventKind("cancelled")
	assert.False(t, ok)
}
