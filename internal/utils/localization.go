package contextutils

import (
	"fmt"
	"strings"
	"sync"
)

// Locale represents a language locale (e.g., "en", "es")
type Locale string

const (
	// LocaleEnglish represents English language
	LocaleEnglish Locale = "en"
	// LocaleSpanish represents Spanish language, the default for ICFES students
	LocaleSpanish Locale = "es"
)

// LocalizedMessages contains localized error messages for different locales
type LocalizedMessages struct {
	mu       sync.RWMutex
	messages map[ErrorCode]map[Locale]string
}

// NewLocalizedMessages creates a new instance of localized messages
func NewLocalizedMessages() *LocalizedMessages {
	return &LocalizedMessages{
		messages: make(map[ErrorCode]map[Locale]string),
	}
}

// AddMessage adds a localized message for a specific error code and locale
func (lm *LocalizedMessages) AddMessage(code ErrorCode, locale Locale, message string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.messages[code] == nil {
		lm.messages[code] = make(map[Locale]string)
	}
	lm.messages[code][locale] = message
}

// GetMessage returns the localized message for an error code and locale,
// falling back to English and then to a generic message.
func (lm *LocalizedMessages) GetMessage(code ErrorCode, locale Locale) string {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	if localeMessages, exists := lm.messages[code]; exists {
		if message, exists := localeMessages[locale]; exists {
			return message
		}
		if message, exists := localeMessages[LocaleEnglish]; exists {
			return message
		}
	}
	return "An error occurred"
}

// GetMessageWithDetails returns a localized message with additional details
func (lm *LocalizedMessages) GetMessageWithDetails(code ErrorCode, locale Locale, details string) string {
	message := lm.GetMessage(code, locale)
	if details != "" {
		return fmt.Sprintf("%s: %s", message, details)
	}
	return message
}

// ParseLocale parses an Accept-Language style value ("es-CO,es;q=0.9") into a Locale.
// Unsupported languages resolve to Spanish.
func ParseLocale(localeStr string) Locale {
	first := strings.TrimSpace(strings.Split(localeStr, ",")[0])
	first = strings.Split(first, ";")[0]
	lang := strings.ToLower(strings.Split(first, "-")[0])
	switch Locale(lang) {
	case LocaleEnglish:
		return LocaleEnglish
	default:
		return LocaleSpanish
	}
}

var globalLocalizedMessages = NewLocalizedMessages()

func init() {
	for code, text := range map[ErrorCode][2]string{
		ErrorCodeInvalidInput:          {"Invalid input", "Entrada inválida"},
		ErrorCodeMissingRequired:       {"Missing required field", "Falta un campo obligatorio"},
		ErrorCodeValidationFailed:      {"Validation failed", "La validación falló"},
		ErrorCodeRecordNotFound:        {"Record not found", "Registro no encontrado"},
		ErrorCodeUnauthorized:          {"Unauthorized", "Acceso no autorizado"},
		ErrorCodeInternalError:         {"Internal server error", "Error interno del servidor"},
		ErrorCodeInvalidItemParameters: {"Item has invalid IRT parameters", "La pregunta tiene parámetros IRT inválidos"},
		ErrorCodeItemNotFound:          {"Item not found", "Pregunta no encontrada"},
		ErrorCodeNoEligibleItems:       {"No eligible items left to administer", "No quedan preguntas disponibles"},
		ErrorCodeSessionNotFound:       {"Test session not found", "Sesión de prueba no encontrada"},
		ErrorCodeSessionNotActive:      {"Test session is not active", "La sesión de prueba no está activa"},
		ErrorCodeDuplicateSubmission:   {"Item already answered in this session", "La pregunta ya fue respondida en esta sesión"},
	} {
		globalLocalizedMessages.AddMessage(code, LocaleEnglish, text[0])
		globalLocalizedMessages.AddMessage(code, LocaleSpanish, text[1])
	}
}

// GetLocalizedMessage returns a localized error message using the global instance
func GetLocalizedMessage(code ErrorCode, locale Locale) string {
	return globalLocalizedMessages.GetMessage(code, locale)
}

// ToJSONWithLocale converts an AppError to a JSON-serializable structure with localized messages
func (e *AppError) ToJSONWithLocale(locale string) map[string]interface{} {
	result := e.ToJSON()
	localizedMessage := GetLocalizedMessage(e.Code, ParseLocale(locale))
	result["message"] = localizedMessage
	result["error"] = localizedMessage
	return result
}
