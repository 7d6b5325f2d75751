package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"icfesprep/internal/config"
	"icfesprep/internal/observability"
	contextutils "icfesprep/internal/utils"

	"github.com/gin-gonic/gin"
)

// ErrorRecoveryConfig controls the load-shedding breaker. CircuitBreakerThreshold
// consecutive 5xx responses open it for CircuitBreakerTimeout.
type ErrorRecoveryConfig struct {
	EnableCircuitBreaker    bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultErrorRecoveryConfig has the breaker off
func DefaultErrorRecoveryConfig() *ErrorRecoveryConfig {
	return &ErrorRecoveryConfig{
		EnableCircuitBreaker:    false,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// ErrorRecoveryConfigFromServer enables the breaker when server.circuit_breaker_threshold is positive
func ErrorRecoveryConfigFromServer(cfg config.ServerConfig) *ErrorRecoveryConfig {
	rc := DefaultErrorRecoveryConfig()
	if cfg.CircuitBreakerThreshold > 0 {
		rc.EnableCircuitBreaker = true
		rc.CircuitBreakerThreshold = cfg.CircuitBreakerThreshold
	}
	if cfg.CircuitBreakerCooldown > 0 {
		rc.CircuitBreakerTimeout = cfg.CircuitBreakerCooldown
	}
	return rc
}

type circuitBreakerState int

const (
	circuitClosed circuitBreakerState = iota
	circuitOpen
	circuitHalfOpen
)

// circuitBreaker tracks failures and manages circuit state
type circuitBreaker struct {
	mu          sync.Mutex
	state       circuitBreakerState
	failures    int
	lastFailure time.Time
	settings    *ErrorRecoveryConfig
	now         func() time.Time
}

func newCircuitBreaker(rc *ErrorRecoveryConfig) *circuitBreaker {
	return &circuitBreaker{
		state:    circuitClosed,
		settings: rc,
		now:      time.Now,
	}
}

// canExecute checks if the circuit breaker allows execution
func (cb *circuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitClosed, circuitHalfOpen:
		return true
	case circuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.settings.CircuitBreakerTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = circuitClosed
}

func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = cb.now()
	if cb.state == circuitHalfOpen || cb.failures >= cb.settings.CircuitBreakerThreshold {
		cb.state = circuitOpen
	}
}

// ErrorRecoveryMiddleware turns panics into INTERNAL_SERVER_ERROR responses
// and, when enabled, sheds load with a circuit breaker after repeated 5xx.
func ErrorRecoveryMiddleware(logger *observability.Logger, rc *ErrorRecoveryConfig) gin.HandlerFunc {
	if rc == nil {
		rc = DefaultErrorRecoveryConfig()
	}

	var cb *circuitBreaker
	if rc.EnableCircuitBreaker {
		cb = newCircuitBreaker(rc)
	}

	return func(c *gin.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				stackTrace := string(debug.Stack())

				panicErr, ok := rec.(error)
				if !ok {
					panicErr = fmt.Errorf("panic: %v", rec)
				}
				if logger != nil {
					logger.Error(c.Request.Context(), "Panic recovered", panicErr, map[string]interface{}{
						"http.method": c.Request.Method,
						"http.path":   c.Request.URL.Path,
						"stack":       stackTrace,
					})
				}

				appErr := contextutils.NewAppErrorWithCause(
					contextutils.ErrorCodeInternalError,
					contextutils.SeverityFatal,
					"Internal server error",
					"A panic occurred while processing the request",
					panicErr,
				)
				if gin.Mode() == gin.DebugMode {
					appErr.Details = fmt.Sprintf("%s\nStack trace: %s", appErr.Details, stackTrace)
				}

				HandleAppError(c, appErr)
				c.Abort()
				if cb != nil {
					cb.recordFailure()
				}
			}
		}()

		if cb != nil && !cb.canExecute() {
			ServiceUnavailable(c, "Service temporarily unavailable due to high error rate")
			c.Abort()
			return
		}

		c.Next()

		if cb != nil {
			if c.Writer.Status() >= http.StatusInternalServerError {
				cb.recordFailure()
			} else {
				cb.recordSuccess()
			}
		}
	}
}

// HandleAppError handles any AppError and sends appropriate HTTP response
func HandleAppError(c *gin.Context, err error) {
	_ = c.Error(err)
	var appErr *contextutils.AppError
	if errors.As(err, &appErr) {
		StandardizeAppError(c, appErr)
		return
	}
	StandardizeAppError(c, contextutils.NewAppErrorWithCause(
		contextutils.ErrorCodeInternalError,
		contextutils.SeverityError,
		"Internal server error",
		err.Error(),
		err,
	))
}

// StandardizeAppError writes err's JSON body with the localized message
func StandardizeAppError(c *gin.Context, err *contextutils.AppError) {
	body := err.ToJSON()
	body["localized_message"] = contextutils.GetLocalizedMessage(
		err.Code, contextutils.ParseLocale(c.GetHeader("Accept-Language")))
	c.JSON(contextutils.HTTPStatus(err.Code), body)
}

// ServiceUnavailable sends a 503 Service Unavailable error with a standardized payload
func ServiceUnavailable(c *gin.Context, msg string) {
	StandardizeAppError(c, contextutils.NewAppError(
		contextutils.ErrorCodeServiceUnavailable,
		contextutils.SeverityError,
		msg,
		"",
	))
}
