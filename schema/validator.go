package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// ValidationResult represents the result of validating a command payload
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

func (r *ValidationResult) fail(field, code, message string, value any) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{
		Field:   field,
		Message: message,
		Code:    code,
		Value:   value,
	})
}

// ValidationError represents a single validation error
type ValidationError struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

// Error implements the error interface for ValidationError
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation error in field '%s': %s", ve.Field, ve.Message)
}

// ValidationRule defines a custom validation rule run against the whole command
type ValidationRule interface {
	Validate(ctx context.Context, field string, value interface{}) *ValidationError
	GetName() string
}

// ValidationRuleFunc is a function adapter for ValidationRule
type ValidationRuleFunc func(ctx context.Context, field string, value interface{}) *ValidationError

func (f ValidationRuleFunc) Validate(ctx context.Context, field string, value interface{}) *ValidationError {
	return f(ctx, field, value)
}

func (f ValidationRuleFunc) GetName() string {
	return "anonymous"
}

// Schema describes the payload of a command. Schemas are stored as JSON files and
// identified by the file's base name.
type Schema struct {
	Name                 string                  `json:"name,omitempty"`
	Version              string                  `json:"version,omitempty"`
	Type                 string                  `json:"type,omitempty"`
	Properties           map[string]*PropertyDef `json:"properties,omitempty"`
	Required             []string                `json:"required,omitempty"`
	AdditionalProperties *bool                   `json:"additionalProperties,omitempty"`
	Rules                []ValidationRule        `json:"-"`
}

// PropertyDef defines validation rules for a payload property
type PropertyDef struct {
	Type        string                  `json:"type"`
	Format      string                  `json:"format,omitempty"`
	Pattern     string                  `json:"pattern,omitempty"`
	MinLength   *int                    `json:"minLength,omitempty"`
	MaxLength   *int                    `json:"maxLength,omitempty"`
	Minimum     *float64                `json:"minimum,omitempty"`
	Maximum     *float64                `json:"maximum,omitempty"`
	Enum        []interface{}           `json:"enum,omitempty"`
	Description string                  `json:"description,omitempty"`
	Items       *PropertyDef            `json:"items,omitempty"`
	Properties  map[string]*PropertyDef `json:"properties,omitempty"`
	Required    []string                `json:"required,omitempty"`
}

// CommandValidator checks a command and reports the failures on the side
type CommandValidator interface {
	Validate(ctx context.Context, cmd any) (bool, []ValidationError)
}

// CommandValidatorFunc is a function adapter for CommandValidator
type CommandValidatorFunc func(ctx context.Context, cmd any) (bool, []ValidationError)

// Validate implements CommandValidator
func (f CommandValidatorFunc) Validate(ctx context.Context, cmd any) (bool, []ValidationError) {
	return f(ctx, cmd)
}

// MessageValidator holds schemas keyed by schema file id and validates commands against them
type MessageValidator struct {
	schemas map[string]*Schema
	rules   map[string]ValidationRule
	strict  bool
	mu      sync.RWMutex
}

// ValidatorOption configures the message validator
type ValidatorOption func(*ValidatorConfig)

// ValidatorConfig holds configuration for the validator
type ValidatorConfig struct {
	StrictMode bool
}

// WithStrictMode rejects properties a schema does not declare, unless the schema
// sets additionalProperties itself
func WithStrictMode(strict bool) ValidatorOption {
	return func(c *ValidatorConfig) {
		c.StrictMode = strict
	}
}

// NewMessageValidator creates a new message validator
func NewMessageValidator(opts ...ValidatorOption) *MessageValidator {
	config := &ValidatorConfig{}
	for _, opt := range opts {
		opt(config)
	}

	v := &MessageValidator{
		schemas: make(map[string]*Schema),
		rules:   make(map[string]ValidationRule),
		strict:  config.StrictMode,
	}
	v.registerBuiltInRules()

	return v
}

func schemaKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// RegisterSchema registers a schema under a schema file id
func (v *MessageValidator) RegisterSchema(id string, schema *Schema) error {
	if schemaKey(id) == "" {
		return fmt.Errorf("schema id cannot be empty")
	}
	if schema == nil {
		return fmt.Errorf("schema cannot be nil")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.schemas[schemaKey(id)] = schema
	return nil
}

// RegisterRule registers a named rule that schemas can reference with UseRule
func (v *MessageValidator) RegisterRule(name string, rule ValidationRule) error {
	if name == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	if rule == nil {
		return fmt.Errorf("rule cannot be nil")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.rules[name] = rule
	return nil
}

// Rule returns a registered rule
func (v *MessageValidator) Rule(name string) (ValidationRule, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	rule, ok := v.rules[name]
	return rule, ok
}

// GetSchema retrieves a schema by schema file id
func (v *MessageValidator) GetSchema(id string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	schema, ok := v.schemas[schemaKey(id)]
	return schema, ok
}

// Schemas returns the registered schema ids in sorted order
func (v *MessageValidator) Schemas() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidatorFor returns a command validator bound to a schema. The boolean is
// false when no schema is registered under id.
func (v *MessageValidator) ValidatorFor(id string) (CommandValidator, bool) {
	schema, ok := v.GetSchema(id)
	if !ok {
		return nil, false
	}

	return CommandValidatorFunc(func(ctx context.Context, cmd any) (bool, []ValidationError) {
		result := v.ValidateWithSchema(ctx, cmd, schema)
		return result.Valid, result.Errors
	}), true
}

// ValidateWithSchema validates a command against a specific schema
func (v *MessageValidator) ValidateWithSchema(ctx context.Context, cmd any, schema *Schema) *ValidationResult {
	result := &ValidationResult{Valid: true}

	data, err := toMap(cmd)
	if err != nil {
		result.fail("command", "CONVERSION_ERROR", fmt.Sprintf("failed to convert command to map: %v", err), nil)
		return result
	}

	v.validateObject(ctx, "", data, schema.Properties, schema.Required, v.allowsAdditional(schema.AdditionalProperties), result)

	for _, rule := range schema.Rules {
		if verr := rule.Validate(ctx, "command", cmd); verr != nil {
			result.Valid = false
			result.Errors = append(result.Errors, *verr)
		}
	}

	return result
}

func (v *MessageValidator) allowsAdditional(flag *bool) bool {
	if flag != nil {
		return *flag
	}
	return !v.strict
}

func (v *MessageValidator) validateObject(ctx context.Context, path string, data map[string]interface{}, props map[string]*PropertyDef, required []string, additional bool, result *ValidationResult) {
	for _, name := range required {
		if _, ok := data[name]; !ok {
			result.fail(joinPath(path, name), "REQUIRED_FIELD_MISSING", "required field is missing", nil)
		}
	}

	// Sorted iteration keeps error order stable
	names := make([]string, 0, len(data))
	for name := range data {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := joinPath(path, name)
		def, ok := props[name]
		if !ok {
			if !additional {
				result.fail(field, "ADDITIONAL_PROPERTY", "property is not allowed", nil)
			}
			continue
		}
		v.validateProperty(ctx, field, data[name], def, result)
	}
}

func (v *MessageValidator) validateProperty(ctx context.Context, field string, value interface{}, def *PropertyDef, result *ValidationResult) {
	if value == nil {
		return
	}

	if def.Type != "" && !matchesType(value, def.Type) {
		result.fail(field, "TYPE_MISMATCH", fmt.Sprintf("expected type %s, got %s", def.Type, jsonKind(value)), value)
		return
	}

	switch val := value.(type) {
	case string:
		if def.MinLength != nil && len(val) < *def.MinLength {
			result.fail(field, "MIN_LENGTH_VIOLATION", fmt.Sprintf("string length %d is less than minimum %d", len(val), *def.MinLength), value)
		}
		if def.MaxLength != nil && len(val) > *def.MaxLength {
			result.fail(field, "MAX_LENGTH_VIOLATION", fmt.Sprintf("string length %d exceeds maximum %d", len(val), *def.MaxLength), value)
		}
		if def.Format != "" {
			if ok, msg := checkFormat(def.Format, val); !ok {
				result.fail(field, "FORMAT_VIOLATION", msg, value)
			}
		}
		if def.Pattern != "" {
			v.validatePattern(field, val, def.Pattern, result)
		}
	case float64:
		if def.Minimum != nil && val < *def.Minimum {
			result.fail(field, "MINIMUM_VIOLATION", fmt.Sprintf("value %g is less than minimum %g", val, *def.Minimum), value)
		}
		if def.Maximum != nil && val > *def.Maximum {
			result.fail(field, "MAXIMUM_VIOLATION", fmt.Sprintf("value %g exceeds maximum %g", val, *def.Maximum), value)
		}
	case []interface{}:
		if def.Items != nil {
			for i, item := range val {
				v.validateProperty(ctx, fmt.Sprintf("%s[%d]", field, i), item, def.Items, result)
			}
		}
	case map[string]interface{}:
		if def.Properties != nil {
			v.validateObject(ctx, field, val, def.Properties, def.Required, true, result)
		}
	}

	if len(def.Enum) > 0 {
		for _, allowed := range def.Enum {
			if reflect.DeepEqual(value, allowed) {
				return
			}
		}
		result.fail(field, "ENUM_VIOLATION", fmt.Sprintf("value is not in allowed enum values: %v", def.Enum), value)
	}
}

func (v *MessageValidator) validatePattern(field, value, pattern string, result *ValidationResult) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		result.fail(field, "INVALID_PATTERN", fmt.Sprintf("invalid regex pattern: %s", pattern), value)
		return
	}
	if !re.MatchString(value) {
		result.fail(field, "PATTERN_VIOLATION", fmt.Sprintf("value does not match pattern: %s", pattern), value)
	}
}

func matchesType(value interface{}, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func jsonKind(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	}
	return fmt.Sprintf("%T", value)
}

var (
	emailRegex    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	dateRegex     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimeRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

func checkFormat(format, value string) (bool, string) {
	switch format {
	case "email":
		return emailRegex.MatchString(value), "invalid email format"
	case "uri":
		return strings.Contains(value, "://"), "invalid URI format"
	case "uuid":
		return uuidRegex.MatchString(strings.ToLower(value)), "invalid UUID format"
	case "date":
		return dateRegex.MatchString(value), "invalid date format (expected YYYY-MM-DD)"
	case "date-time":
		return dateTimeRegex.MatchString(value), "invalid date-time format (expected ISO 8601)"
	}
	return true, ""
}

func joinPath(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}

func toMap(cmd any) (map[string]interface{}, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	return result, nil
}

// UseRule appends a registered rule to a schema
func (v *MessageValidator) UseRule(schema *Schema, name string) error {
	rule, ok := v.Rule(name)
	if !ok {
		return fmt.Errorf("rule not found: %s", name)
	}
	schema.Rules = append(schema.Rules, rule)
	return nil
}

func (v *MessageValidator) registerBuiltInRules() {
	v.rules["non-empty"] = ValidationRuleFunc(func(ctx context.Context, field string, value interface{}) *ValidationError {
		if str, ok := value.(string); ok && strings.TrimSpace(str) == "" {
			return &ValidationError{Field: field, Message: "value cannot be empty", Code: "NON_EMPTY_VIOLATION", Value: value}
		}
		return nil
	})

	v.rules["positive"] = ValidationRuleFunc(func(ctx context.Context, field string, value interface{}) *ValidationError {
		if num, ok := value.(float64); ok && num <= 0 {
			return &ValidationError{Field: field, Message: "value must be positive", Code: "POSITIVE_VIOLATION", Value: value}
		}
		return nil
	})
}
