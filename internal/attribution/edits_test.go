package attribution

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitai-tools/gitai/internal/agentid"
)

var mockAI = agentid.Identity{Tool: "mock_ai"}

func TestDiffEditsPureInsert(t *testing.T) {
	edits := DiffEdits(nil, []byte("A\nB\nC\n"))
	require.Len(t, edits, 1)
	require.Equal(t, Edit{Start: 0, DeleteLen: 0, InsertLen: 6}, edits[0])
}

func TestDiffEditsNoChange(t *testing.T) {
	edits := DiffEdits([]byte("same"), []byte("same"))
	require.Empty(t, edits)
}

func TestApplyEditsPureInsertAttributesWholeFile(t *testing.T) {
	edits := DiffEdits(nil, []byte("A\nB\nC\n"))
	out := ApplyEdits(nil, edits, mockAI, 6)
	require.Equal(t, []ByteRange{{Start: 0, End: 6, Agent: mockAI}}, out)
}

func TestApplyEditsHumanOverwriteSplitsAIRange(t *testing.T) {
	pre := []byte("AAAA")
	post := []byte("AhhA")
	edits := DiffEdits(pre, post)
	prior := []ByteRange{{Start: 0, End: 4, Agent: mockAI}}
	out := ApplyEdits(prior, edits, agentid.Human, len(post))
	want := []ByteRange{
		{Start: 0, End: 1, Agent: mockAI},
		{Start: 1, End: 3, Agent: agentid.Human},
		{Start: 3, End: 4, Agent: mockAI},
	}
	require.Equal(t, want, out)
	require.NoError(t, ValidatePartition(out, len(post)))
}

func TestApplyEditsDeleteRemovesPriorRangeWithoutAttributing(t *testing.T) {
	pre := []byte("AAAABBBB")
	post := []byte("AAAA")
	edits := DiffEdits(pre, post)
	prior := []ByteRange{
		{Start: 0, End: 4, Agent: mockAI},
		{Start: 4, End: 8, Agent: agentid.Human},
	}
	out := ApplyEdits(prior, edits, agentid.Human, len(post))
	require.Equal(t, []ByteRange{{Start: 0, End: 4, Agent: mockAI}}, out)
}
