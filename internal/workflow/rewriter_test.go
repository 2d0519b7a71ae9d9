package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadImageGraph(ids ...string) Graph {
	g := Graph{Nodes: map[string]*Node{}}
	for _, id := range ids {
		g.Order = append(g.Order, id)
		g.Nodes[id] = &Node{
			ClassType: ClassLoadImage,
			Inputs:    map[string]interface{}{"image": "old.png"},
		}
	}
	return g
}

// TestRewriteImagePrefersNodeTen covers the node-10-preferred scenario.
func TestRewriteImagePrefersNodeTen(t *testing.T) {
	g := loadImageGraph("5", PreferredImageNodeID)

	out, res := RewriteImage(g, "new.png")

	assert.Equal(t, OutcomePreferred, res.Outcome)
	assert.Equal(t, []string{PreferredImageNodeID}, res.RewrittenIDs)
	assert.Equal(t, "new.png", out.Nodes[PreferredImageNodeID].Inputs["image"])
	assert.Equal(t, "old.png", out.Nodes["5"].Inputs["image"], "non-preferred node must be untouched")
}

// TestRewriteImageFallsBackWhenNoNodeTen covers the fallback scenario.
func TestRewriteImageFallsBackWhenNoNodeTen(t *testing.T) {
	g := loadImageGraph("5")

	out, res := RewriteImage(g, "new.png")

	assert.Equal(t, OutcomeFallback, res.Outcome)
	assert.Equal(t, []string{"5"}, res.RewrittenIDs)
	assert.Equal(t, "new.png", out.Nodes["5"].Inputs["image"])
}

func TestRewriteImageFallbackPicksFirstInDocumentOrder(t *testing.T) {
	g := loadImageGraph("7", "3")

	_, res := RewriteImage(g, "new.png")

	assert.Equal(t, []string{"7"}, res.RewrittenIDs)
}

func TestRewriteImageNoLoadImageNodeIsNonFatal(t *testing.T) {
	g := Graph{
		Nodes: map[string]*Node{"1": {ClassType: "KSampler", Inputs: map[string]interface{}{}}},
		Order: []string{"1"},
	}

	out, res := RewriteImage(g, "new.png")

	assert.Equal(t, OutcomeNoTarget, res.Outcome)
	assert.Empty(t, res.RewrittenIDs)
	assert.Equal(t, "KSampler", out.Nodes["1"].ClassType)
}

func TestRewriteImageMatchesListElementsAndPastedAndInputPatterns(t *testing.T) {
	g := Graph{
		Nodes: map[string]*Node{
			PreferredImageNodeID: {
				ClassType: ClassLoadImage,
				Inputs: map[string]interface{}{
					"image":   []interface{}{"pasted/abc123", "unrelated-value", 42.0},
					"subpath": "input/folder",
				},
			},
		},
		Order: []string{PreferredImageNodeID},
	}

	out, _ := RewriteImage(g, "new.jpg")

	n := out.Nodes[PreferredImageNodeID]
	list := n.Inputs["image"].([]interface{})
	assert.Equal(t, "new.jpg", list[0])
	assert.Equal(t, "unrelated-value", list[1], "non-matching list elements are left alone")
	assert.Equal(t, 42.0, list[2])
	assert.Equal(t, "new.jpg", n.Inputs["subpath"], "a value containing \"input\" is treated as an image slot")
}

func TestRewriteImageEnsuresImageInputKeyExists(t *testing.T) {
	g := Graph{
		Nodes: map[string]*Node{
			PreferredImageNodeID: {ClassType: ClassLoadImage, Inputs: map[string]interface{}{"unrelated": "x"}},
		},
		Order: []string{PreferredImageNodeID},
	}

	out, _ := RewriteImage(g, "new.png")

	assert.Equal(t, "new.png", out.Nodes[PreferredImageNodeID].Inputs["image"])
}

// TestRewriteImageDoesNotAliasSource covers the non-aliasing
// invariant: the source graph is bit-identical before and after any
// Rewrite call.
func TestRewriteImageDoesNotAliasSource(t *testing.T) {
	g := loadImageGraph("5", PreferredImageNodeID)
	before := g.DeepCopy()

	RewriteImage(g, "new.png")

	assert.Equal(t, before.Nodes["5"].Inputs["image"], g.Nodes["5"].Inputs["image"])
	assert.Equal(t, before.Nodes[PreferredImageNodeID].Inputs["image"], g.Nodes[PreferredImageNodeID].Inputs["image"])
}

// TestRewriteImageIsIdempotentOnACopy covers the idempotence
// property: rewriting a fresh copy twice with the same filename
// produces the same result as rewriting it once.
func TestRewriteImageIsIdempotentOnACopy(t *testing.T) {
	g := loadImageGraph("5", PreferredImageNodeID)

	once, _ := RewriteImage(g, "new.png")
	twice, _ := RewriteImage(once, "new.png")

	assert.Equal(t, once.Nodes[PreferredImageNodeID].Inputs, twice.Nodes[PreferredImageNodeID].Inputs)
	assert.Equal(t, once.Nodes["5"].Inputs, twice.Nodes["5"].Inputs)
}

func TestRewritePreloadRewritesEveryLoadImageNode(t *testing.T) {
	g := loadImageGraph("3", "5", PreferredImageNodeID)

	out, res := RewritePreload(g, "placeholder.png")

	require.Len(t, res.RewrittenIDs, 3)
	for _, id := range []string{"3", "5", PreferredImageNodeID} {
		assert.Equal(t, "placeholder.png", out.Nodes[id].Inputs["image"])
	}
}

func TestRewritePreloadNoLoadImageIsNonFatal(t *testing.T) {
	g := Graph{
		Nodes: map[string]*Node{"1": {ClassType: "KSampler", Inputs: map[string]interface{}{}}},
		Order: []string{"1"},
	}

	_, res := RewritePreload(g, "placeholder.png")

	assert.Equal(t, OutcomeNoTarget, res.Outcome)
}

func videoGraph(nodeID, classType string, inputs map[string]interface{}) Graph {
	return Graph{
		Nodes: map[string]*Node{nodeID: {ClassType: classType, Inputs: inputs}},
		Order: []string{nodeID},
	}
}

func TestRewriteVideoDefaultsToNodeTwo(t *testing.T) {
	g := videoGraph(DefaultVideoTargetNodeID, ClassLoadVideo, map[string]interface{}{"video": "old.mp4"})

	out, res := RewriteVideo(g, "new.mp4", "")

	assert.Equal(t, OutcomePreferred, res.Outcome)
	assert.Equal(t, "new.mp4", out.Nodes[DefaultVideoTargetNodeID].Inputs["video"])
}

func TestRewriteVideoPrefersExistingVideoPathKey(t *testing.T) {
	g := videoGraph("2", ClassVHSLoadVideo, map[string]interface{}{"video_path": "old.mp4"})

	out, _ := RewriteVideo(g, "new.mp4", "2")

	assert.Equal(t, "new.mp4", out.Nodes["2"].Inputs["video_path"])
	_, hasVideo := out.Nodes["2"].Inputs["video"]
	assert.False(t, hasVideo)
}

func TestRewriteVideoCreatesVideoKeyWhenNeitherExists(t *testing.T) {
	g := videoGraph("2", ClassLoadVideoPath, map[string]interface{}{})

	out, _ := RewriteVideo(g, "new.mp4", "2")

	assert.Equal(t, "new.mp4", out.Nodes["2"].Inputs["video"])
}

func TestRewriteVideoWrongClassTypeIsNonFatal(t *testing.T) {
	g := videoGraph("2", "KSampler", map[string]interface{}{"video": "old.mp4"})

	out, res := RewriteVideo(g, "new.mp4", "2")

	assert.Equal(t, OutcomeNoTarget, res.Outcome)
	assert.Equal(t, "old.mp4", out.Nodes["2"].Inputs["video"])
}

func TestRewriteVideoMissingTargetNodeIsNonFatal(t *testing.T) {
	g := videoGraph("9", ClassLoadVideo, map[string]interface{}{"video": "old.mp4"})

	_, res := RewriteVideo(g, "new.mp4", "2")

	assert.Equal(t, OutcomeNoTarget, res.Outcome)
}

func TestDeepCopyIsIndependentOfSource(t *testing.T) {
	g := loadImageGraph(PreferredImageNodeID)
	cp := g.DeepCopy()

	cp.Nodes[PreferredImageNodeID].Inputs["image"] = "mutated.png"

	assert.Equal(t, "old.png", g.Nodes[PreferredImageNodeID].Inputs["image"])
}
