package stages

import (
	"context"
	"fmt"

	"msgflow/internal/config"
	"msgflow/internal/pipeline"
	"msgflow/pkg/cel"
	pkgerrors "msgflow/pkg/errors"
	"msgflow/pkg/models"
)

func evaluator(deps Deps) (*cel.Evaluator, error) {
	if deps.Evaluator != nil {
		return deps.Evaluator, nil
	}
	return cel.NewEvaluator()
}

// newCELFilter rejects messages for which the expression is false.
func newCELFilter(cfg config.StageConfig, deps Deps) (pipeline.Transformer, error) {
	if cfg.Expression == "" {
		return nil, pkgerrors.Configf("stage %q: cel_filter needs an expression", cfg.Name)
	}
	eval, err := evaluator(deps)
	if err != nil {
		return nil, pkgerrors.ErrConfig.WithCause(err)
	}
	expr, err := eval.CompileFilter(cfg.Expression)
	if err != nil {
		return nil, pkgerrors.Configf("stage %q: %v", cfg.Name, err)
	}
	reason := fmt.Sprintf("filtered by %s", cfg.Name)

	return pipeline.TransformFunc(func(ctx context.Context, msg models.Message) (models.Message, error) {
		pass, err := expr.EvalBool(ctx, msg)
		if err != nil {
			return models.Message{}, err
		}
		if !pass {
			return models.Message{}, pipeline.Reject(reason)
		}
		return msg, nil
	}), nil
}

// newCELTransform stores the expression result in attribute Field.
func newCELTransform(cfg config.StageConfig, deps Deps) (pipeline.Transformer, error) {
	if cfg.Expression == "" || cfg.Field == "" {
		return nil, pkgerrors.Configf("stage %q: cel_transform needs expression and field", cfg.Name)
	}
	eval, err := evaluator(deps)
	if err != nil {
		return nil, pkgerrors.ErrConfig.WithCause(err)
	}
	expr, err := eval.Compile(cfg.Expression)
	if err != nil {
		return nil, pkgerrors.Configf("stage %q: %v", cfg.Name, err)
	}
	field := cfg.Field

	return pipeline.TransformFunc(func(ctx context.Context, msg models.Message) (models.Message, error) {
		value, err := expr.Eval(ctx, msg)
		if err != nil {
			return models.Message{}, err
		}
		return msg.WithAttribute(field, value), nil
	}), nil
}
