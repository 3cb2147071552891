package cel

import (
	"context"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"msgflow/pkg/models"
)

var (
	nativeMapType  = reflect.TypeOf(map[string]interface{}{})
	nativeListType = reflect.TypeOf([]interface{}{})
)

// Evaluator compiles CEL expressions over a message. Expressions see id,
// source, sequence, timestamp, payload (decoded JSON object, empty when the
// payload is not an object) and attributes.
type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("sequence", cel.UintType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
		ext.Strings(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

// Expression is a compiled, reusable program. Safe for concurrent use.
type Expression struct {
	source  string
	program cel.Program
}

func (x *Expression) String() string {
	return x.source
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateFilterExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

func (e *Evaluator) Compile(expression string) (*Expression, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}
	return e.program(expression, ast)
}

// CompileFilter compiles an expression that must evaluate to bool.
func (e *Evaluator) CompileFilter(expression string) (*Expression, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	return e.program(expression, ast)
}

func (e *Evaluator) program(expression string, ast *cel.Ast) (*Expression, error) {
	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return &Expression{source: expression, program: program}, nil
}

// Eval runs the expression against msg and returns a native Go value.
func (x *Expression) Eval(ctx context.Context, msg models.Message) (interface{}, error) {
	result, _, err := x.program.ContextEval(ctx, Activation(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}
	return nativeValue(result)
}

func (x *Expression) EvalBool(ctx context.Context, msg models.Message) (bool, error) {
	result, _, err := x.program.ContextEval(ctx, Activation(msg))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// Activation builds the variable bindings for msg.
func Activation(msg models.Message) map[string]interface{} {
	payload, _ := msg.PayloadMap()
	attributes := msg.Attributes
	if attributes == nil {
		attributes = map[string]interface{}{}
	}

	return map[string]interface{}{
		"id":         msg.ID,
		"source":     msg.Source,
		"sequence":   msg.Sequence,
		"timestamp":  msg.Timestamp,
		"payload":    payload,
		"attributes": attributes,
	}
}

func nativeValue(val ref.Val) (interface{}, error) {
	switch val.Type() {
	case types.MapType:
		return val.ConvertToNative(nativeMapType)
	case types.ListType:
		return val.ConvertToNative(nativeListType)
	default:
		return val.Value(), nil
	}
}
