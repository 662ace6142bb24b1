package errors

import (
	"github.com/nopu-sh/agent/internal/metrics"
	"go.uber.org/zap"
)

// Log records err at a level matching its severity and counts it by type.
// Foreign errors are logged as warnings.
func Log(log *zap.Logger, err error, fields ...zap.Field) {
	if err == nil || log == nil {
		return
	}

	appErr, ok := As(err)
	if !ok {
		metrics.IncrementErrorCount("")
		log.Warn(err.Error(), append(fields, zap.Error(err))...)
		return
	}

	fields = append(fields,
		zap.String("error_type", string(appErr.Type)),
		zap.String("error_code", appErr.Code),
		zap.String("severity", string(appErr.Severity)),
	)
	if appErr.Details != "" {
		fields = append(fields, zap.String("details", appErr.Details))
	}
	if appErr.Server != "" {
		fields = append(fields, zap.String("server", appErr.Server))
	}
	if appErr.Relay != "" {
		fields = append(fields, zap.String("relay", appErr.Relay))
	}
	if appErr.Cause != nil {
		fields = append(fields, zap.Error(appErr.Cause))
	}

	metrics.IncrementErrorCount(string(appErr.Type))

	switch appErr.Severity {
	case SeverityLow:
		log.Info(appErr.Message, fields...)
	case SeverityMedium:
		log.Warn(appErr.Message, fields...)
	default:
		log.Error(appErr.Message, fields...)
	}
}
