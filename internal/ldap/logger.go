package ldap

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SubsystemRebind is the default logging subsystem for rebind operations.
const SubsystemRebind = "rebind"

// Logger interface for LDAP operations.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
	Trace(msg string, fields map[string]any)
}

// TFLogger wraps tflog for use in LDAP package.
type TFLogger struct {
	ctx       context.Context
	subsystem string
}

// NewTFLogger creates a new logger for LDAP operations. The subsystem level
// can be overridden with LDAP_REBIND_LOG_<SUBSYSTEM>.
func NewTFLogger(ctx context.Context, subsystem string) *TFLogger {
	ctx = tflog.NewSubsystem(ctx, subsystem,
		tflog.WithLevelFromEnv("LDAP_REBIND_LOG_"+strings.ToUpper(subsystem)))

	return &TFLogger{
		ctx:       ctx,
		subsystem: subsystem,
	}
}

func (l *TFLogger) Debug(msg string, fields map[string]any) {
	tflog.SubsystemDebug(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Info(msg string, fields map[string]any) {
	tflog.SubsystemInfo(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Warn(msg string, fields map[string]any) {
	tflog.SubsystemWarn(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Error(msg string, fields map[string]any) {
	tflog.SubsystemError(l.ctx, l.subsystem, msg, fields)
}

func (l *TFLogger) Trace(msg string, fields map[string]any) {
	tflog.SubsystemTrace(l.ctx, l.subsystem, msg, fields)
}

// HCLogger adapts an hclog.Logger for standalone binaries.
type HCLogger struct {
	logger hclog.Logger
}

// NewHCLogger wraps logger.
func NewHCLogger(logger hclog.Logger) *HCLogger {
	return &HCLogger{logger: logger}
}

func (l *HCLogger) Debug(msg string, fields map[string]any) {
	l.logger.Debug(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Info(msg string, fields map[string]any) {
	l.logger.Info(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Warn(msg string, fields map[string]any) {
	l.logger.Warn(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Error(msg string, fields map[string]any) {
	l.logger.Error(msg, fieldArgs(fields)...)
}

func (l *HCLogger) Trace(msg string, fields map[string]any) {
	l.logger.Trace(msg, fieldArgs(fields)...)
}

// fieldArgs flattens fields into sorted key/value pairs.
func fieldArgs(fields map[string]any) []any {
	keys := slices.Sorted(maps.Keys(fields))
	args := make([]any, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, k, fields[k])
	}
	return args
}

// LogRebindEvent logs registry and referral events at a level matching the event.
func LogRebindEvent(logger Logger, event string, fields map[string]any) {
	if logger == nil {
		return
	}

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["event"] = event
	fields = SanitizeFields(fields)

	switch event {
	case "entry_added", "entry_removed", "callback_installed", "referral_rebound":
		logger.Debug("Rebind event", fields)
	case "scope_released", "entry_not_found", "referral_followed":
		logger.Trace("Rebind event", fields)
	case "referral_hop_limit", "referral_dial_failed", "referral_rebind_failed", "referral_search_failed":
		logger.Warn("Rebind event", fields)
	case "add_failed", "callback_install_failed", "add_rolled_back":
		logger.Error("Rebind event", fields)
	default:
		logger.Trace("Rebind event", fields)
	}
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(logger Logger, operation string, err error, fields map[string]any) {
	if logger == nil || err == nil {
		return
	}

	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	// Add LDAP-specific error information if available
	if ldapErr, ok := err.(*ldap.Error); ok {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	logger.Error("LDAP operation failed", SanitizeFields(fields))
}

// handleLabel renders a connection handle for log fields without exposing its contents.
func handleLabel(h Handle) string {
	if h == nil {
		return "<nil>"
	}
	v := reflect.ValueOf(h)
	if v.Kind() == reflect.Pointer {
		return fmt.Sprintf("%T(%#x)", h, v.Pointer())
	}
	return fmt.Sprintf("%T", h)
}

// SanitizeFields removes sensitive information from log fields.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any)

	sensitiveKeys := map[string]bool{
		"password":    true,
		"passwd":      true,
		"bind_pw":     true,
		"secret":      true,
		"token":       true,
		"key":         true,
		"credential":  true,
		"credentials": true,
	}

	for k, v := range fields {
		// Check if this is a sensitive field
		if sensitiveKeys[k] {
			sanitized[k] = "[REDACTED]"
		} else {
			// Check if the value contains sensitive patterns
			if str, ok := v.(string); ok && containsSensitivePattern(str) {
				sanitized[k] = "[REDACTED]"
			} else {
				sanitized[k] = v
			}
		}
	}

	return sanitized
}

// containsSensitivePattern checks if a string contains patterns that might be sensitive.
func containsSensitivePattern(s string) bool {
	patterns := []string{
		"password=",
		"passwd=",
		"secret=",
		"token=",
		"userpassword:",
	}

	lower := strings.ToLower(s)
	for _, pattern := range patterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}

	return false
}
