package workflow

import (
	"fmt"

	"go.uber.org/zap"
)

// Summary captures the generation parameters of a merged graph for logging.
type Summary struct {
	Model     string
	Sampler   string
	Scheduler string
	Steps     interface{}
	CFG       interface{}
	Denoise   interface{}
	Seed      interface{}
	NodeCount int
}

// Summarize inspects well-known node types of a merged graph. Best-effort:
// missing fields stay at their "N/A" defaults.
func Summarize(graph Template) Summary {
	s := Summary{
		Sampler:   "N/A",
		Scheduler: "N/A",
		Steps:     "N/A",
		CFG:       "N/A",
		Denoise:   "N/A",
		Seed:      "N/A",
		NodeCount: graph.NodeCount(),
	}

	hasCheckpoint := false
	for _, v := range graph {
		node, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		classType, _ := node["class_type"].(string)
		inputs, _ := node["inputs"].(map[string]interface{})

		switch classType {
		case "CheckpointLoaderSimple":
			if name, ok := inputs["ckpt_name"].(string); ok {
				s.Model = name
			}
			hasCheckpoint = true
		case "UNetLoader":
			if !hasCheckpoint && s.Model == "" {
				s.Model = "UNET"
			}
		case "KSampler", "KSamplerAdvanced":
			if v, ok := inputs["sampler_name"].(string); ok {
				s.Sampler = v
			}
			if v, ok := inputs["scheduler"].(string); ok {
				s.Scheduler = v
			}
			if v, ok := inputs["steps"]; ok {
				s.Steps = v
			}
			if v, ok := inputs["cfg"]; ok {
				s.CFG = v
			}
			if v, ok := inputs["denoise"]; ok {
				s.Denoise = v
			}
			if v, ok := inputs["seed"]; ok {
				s.Seed = v
			}
		}
	}
	if s.Model == "" {
		s.Model = "UNET"
	}
	return s
}

// Log writes the summary at info level.
func (s Summary) Log(logger *zap.Logger, workflowID string) {
	seed := fmt.Sprintf("%v", s.Seed)
	if seed == "-1" || seed == "-1.0" || seed == "<nil>" {
		seed = seed + " (random)"
	}
	logger.Info("Workflow summary",
		zap.String("workflow_id", workflowID),
		zap.String("model", s.Model),
		zap.String("sampler", s.Sampler),
		zap.String("scheduler", s.Scheduler),
		zap.Any("steps", s.Steps),
		zap.Any("cfg", s.CFG),
		zap.Any("denoise", s.Denoise),
		zap.String("seed", seed),
		zap.Int("node_count", s.NodeCount),
	)
}
