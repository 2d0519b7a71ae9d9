package workflow

import (
	"strings"

	"github.com/corewell/genforge/internal/observability"
)

// Outcome classifies how a rewrite landed, for observability and for
// callers that want to log the no-target case.
type Outcome string

const (
	OutcomePreferred Outcome = "preferred"
	OutcomeFallback  Outcome = "fallback"
	OutcomeNoTarget  Outcome = "no_target"
)

// Result reports what the Rewriter actually did.
type Result struct {
	Outcome      Outcome
	RewrittenIDs []string
}

// looksLikeImageSlot mirrors comfyui_tool.py's run_workflow_with_image:
// an existing string input value is considered "the uploaded file slot"
// if it looks like a previously-uploaded image reference.
func looksLikeImageSlot(v string) bool {
	lower := strings.ToLower(v)
	return strings.HasSuffix(lower, ".png") ||
		strings.HasSuffix(lower, ".jpg") ||
		strings.Contains(v, "pasted/") ||
		strings.Contains(v, "input")
}

// RewriteImage retargets a LoadImage node's inputs at filename. It
// prefers PreferredImageNodeID ("10") when that node exists and is a
// LoadImage node; otherwise it falls back to the first LoadImage node
// encountered in the graph's original document order. It never
// mutates src: the returned Graph is an independent deep copy.
//
// If no LoadImage node exists anywhere in the graph, RewriteImage
// returns the unmodified copy and an OutcomeNoTarget result. This is
// not an error; callers that want visibility log on OutcomeNoTarget
// and proceed.
func RewriteImage(src Graph, filename string) (Graph, Result) {
	out := src.DeepCopy()

	if n, ok := out.Nodes[PreferredImageNodeID]; ok && n.ClassType == ClassLoadImage {
		rewriteImageNodeInputs(n, filename)
		observability.RewriteOutcomes.WithLabelValues("image", string(OutcomePreferred)).Inc()
		return out, Result{Outcome: OutcomePreferred, RewrittenIDs: []string{PreferredImageNodeID}}
	}

	for _, id := range out.Order {
		n, ok := out.Nodes[id]
		if !ok || n.ClassType != ClassLoadImage {
			continue
		}
		rewriteImageNodeInputs(n, filename)
		observability.RewriteOutcomes.WithLabelValues("image", string(OutcomeFallback)).Inc()
		return out, Result{Outcome: OutcomeFallback, RewrittenIDs: []string{id}}
	}

	observability.RewriteOutcomes.WithLabelValues("image", string(OutcomeNoTarget)).Inc()
	return out, Result{Outcome: OutcomeNoTarget}
}

// RewritePreload applies the same input-rewrite rule as RewriteImage to
// EVERY LoadImage node in the graph, grounded on
// comfyui_tool.py's preload_full_workflow, which warms every input slot
// with a placeholder rather than targeting a single node.
func RewritePreload(src Graph, placeholderFilename string) (Graph, Result) {
	out := src.DeepCopy()

	var rewritten []string
	for _, id := range out.Order {
		n, ok := out.Nodes[id]
		if !ok || n.ClassType != ClassLoadImage {
			continue
		}
		rewriteImageNodeInputs(n, placeholderFilename)
		rewritten = append(rewritten, id)
	}

	if len(rewritten) == 0 {
		observability.RewriteOutcomes.WithLabelValues("preload", string(OutcomeNoTarget)).Inc()
		return out, Result{Outcome: OutcomeNoTarget}
	}
	observability.RewriteOutcomes.WithLabelValues("preload", string(OutcomePreferred)).Inc()
	return out, Result{Outcome: OutcomePreferred, RewrittenIDs: rewritten}
}

// rewriteImageNodeInputs rewrites every existing input value that looks
// like an image slot to filename, replacing each list value with a new
// list in which matching elements are rewritten, and ensures an "image"
// input key exists.
func rewriteImageNodeInputs(n *Node, filename string) {
	if n.Inputs == nil {
		n.Inputs = map[string]interface{}{}
	}

	for key, v := range n.Inputs {
		switch val := v.(type) {
		case string:
			if looksLikeImageSlot(val) {
				n.Inputs[key] = filename
			}
		case []interface{}:
			rewritten := make([]interface{}, len(val))
			copy(rewritten, val)
			for i, elem := range val {
				if s, ok := elem.(string); ok && looksLikeImageSlot(s) {
					rewritten[i] = filename
				}
			}
			n.Inputs[key] = rewritten
		}
	}

	if _, ok := n.Inputs["image"]; !ok {
		n.Inputs["image"] = filename
	}
}

// videoClassTypes are the class types RewriteVideo will target, per
// comfyui_tool.py's run_workflow_with_video.
var videoClassTypes = map[string]bool{
	ClassLoadVideo:     true,
	ClassVHSLoadVideo:  true,
	ClassLoadVideoPath: true,
}

// RewriteVideo retargets a single node's video input at filename. Only
// the node identified by targetNodeID (DefaultVideoTargetNodeID, "2",
// when empty) is considered, and only if its class type is one of the
// known video-loader classes. If the node has a "video" input key that
// key is set; otherwise if it has "video_path" that key is set;
// otherwise "video" is created. If the target node doesn't exist or
// isn't a video-loader class, RewriteVideo is a no-op returning
// OutcomeNoTarget. It never fails.
func RewriteVideo(src Graph, filename, targetNodeID string) (Graph, Result) {
	if targetNodeID == "" {
		targetNodeID = DefaultVideoTargetNodeID
	}

	out := src.DeepCopy()

	n, ok := out.Nodes[targetNodeID]
	if !ok || !videoClassTypes[n.ClassType] {
		observability.RewriteOutcomes.WithLabelValues("video", string(OutcomeNoTarget)).Inc()
		return out, Result{Outcome: OutcomeNoTarget}
	}

	if n.Inputs == nil {
		n.Inputs = map[string]interface{}{}
	}
	if _, hasVideo := n.Inputs["video"]; hasVideo {
		n.Inputs["video"] = filename
	} else if _, hasPath := n.Inputs["video_path"]; hasPath {
		n.Inputs["video_path"] = filename
	} else {
		n.Inputs["video"] = filename
	}

	observability.RewriteOutcomes.WithLabelValues("video", string(OutcomePreferred)).Inc()
	return out, Result{Outcome: OutcomePreferred, RewrittenIDs: []string{targetNodeID}}
}
