package ai

import "strings"

type TaskKind string

const (
	TaskSummary TaskKind = "summary"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

// Models returns the primary model followed by the fallback, skipping blanks
// and duplicates.
func (p ModelProfile) Models() []string {
	models := make([]string, 0, 2)
	for _, model := range []string{p.PrimaryModel, p.FallbackModel} {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if len(models) > 0 && models[0] == model {
			continue
		}
		models = append(models, model)
	}
	return models
}

type ModelRouterConfig struct {
	SummaryPrimary  string
	SummaryFallback string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.SummaryPrimary) == "" {
		config.SummaryPrimary = DefaultDeepSeekModel
	}
	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	switch task {
	case TaskSummary:
		return ModelProfile{
			PrimaryModel:    r.config.SummaryPrimary,
			FallbackModel:   r.config.SummaryFallback,
			Temperature:     0.2,
			MaxOutputTokens: 2000,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.SummaryPrimary,
			FallbackModel:   r.config.SummaryFallback,
			Temperature:     0.2,
			MaxOutputTokens: 2000,
		}
	}
}
