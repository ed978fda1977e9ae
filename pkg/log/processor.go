package log

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"github.com/mwantia/fabric/pkg/container"
)

const loggerTag = "logger"

var loggerServiceType = reflect.TypeOf((*LoggerService)(nil)).Elem()

// LoggerTagProcessor fills fields tagged fabric:"logger" with the registered
// LoggerService and fields tagged fabric:"logger:<name>" with a child logger
// of that name.
//
// Fabric only builds tag factories for structs carrying at least one plain
// fabric:"inject" field, and the processor has to be added to the container
// before such a struct is registered.
type LoggerTagProcessor struct{}

func NewLoggerTagProcessor() *LoggerTagProcessor {
	return &LoggerTagProcessor{}
}

// GetPriority places the processor ahead of the inject processor.
func (ltp *LoggerTagProcessor) GetPriority() int {
	return 50
}

func (ltp *LoggerTagProcessor) CanProcess(value string) bool {
	_, ok := loggerName(value)
	return ok
}

func (ltp *LoggerTagProcessor) Process(ctx context.Context, sc *container.ServiceContainer, field reflect.StructField, value string) (any, error) {
	if !loggerServiceType.AssignableTo(field.Type) {
		return nil, fmt.Errorf("field '%s' of type '%s' cannot hold a logger", field.Name, field.Type)
	}

	ok, resolved := sc.ResolveByType(ctx, loggerServiceType)
	if !ok {
		return nil, fmt.Errorf("no logger registered to inject into field '%s'", field.Name)
	}

	logger, ok := resolved.(LoggerService)
	if !ok {
		return nil, fmt.Errorf("registered logger for field '%s' is a %T", field.Name, resolved)
	}

	if name, _ := loggerName(value); name != "" {
		return logger.Named(name), nil
	}
	return logger, nil
}

// loggerName splits a tag value of the form "logger" or "logger:<name>".
func loggerName(value string) (string, bool) {
	prefix, name, found := strings.Cut(value, ":")
	if !strings.EqualFold(strings.TrimSpace(prefix), loggerTag) {
		return "", false
	}
	if !found {
		return "", true
	}
	return strings.TrimSpace(name), true
}
