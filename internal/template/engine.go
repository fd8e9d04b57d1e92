// Package template resolves and renders regulation-scoped notification
// templates. Rendering is pure computation; the only I/O is the template
// lookup, which is cached.
package template

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/breach-shield/notification-engine/internal/database"
)

const (
	cacheTTL       = 5 * time.Minute
	cacheCleanup   = 10 * time.Minute
	generalType    = "general"
	globalFallback = "global"
	defaultLang    = "en"
)

// placeholderPattern matches {name} placeholders. Unknown placeholders are
// left as literal text; authoring errors are caught by ValidateSyntax.
var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// typeFamilies maps specific notification types to their lookup family
var typeFamilies = map[string]string{
	"supervisory_authority": "regulator",
	"hhs":                   "regulator",
	"media":                 "public",
	"individual":            "individual",
	"individual_emergency":  "individual",
	"dpo_legal":             "internal",
	"executive":             "internal",
	"internal_alert":        "internal",
	"auditor":               "oversight",
	"board":                 "oversight",
}

// Store supplies active template versions
type Store interface {
	GetActive(ctx context.Context, regulation, notificationType, language string) (*database.NotificationTemplate, error)
	GetByCode(ctx context.Context, code string) (*database.NotificationTemplate, error)
}

// ValidationError reports every required field missing from a render
// context, not just the first.
type ValidationError struct {
	TemplateCode  string
	MissingFields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("template %s: missing required fields: %s",
		e.TemplateCode, strings.Join(e.MissingFields, ", "))
}

// ErrNoTemplate indicates the full fallback chain produced nothing.
// Retrying cannot fix this; callers must fail the notification immediately.
var ErrNoTemplate = errors.New("no template found")

// Context is the typed data a template renders against
type Context struct {
	IncidentID       string
	Regulation       string
	RiskLevel        string
	IncidentType     string
	OrganizationName string
	ContactEmail     string
	DetectedAt       time.Time
	DeadlineAt       time.Time
	RecordCount      int
	DataCategories   []string
	Mitigations      []string
	CustomFields     map[string]string
}

// FieldValue resolves a placeholder name against the typed fields first,
// then the free-form custom-fields bag
func (c *Context) FieldValue(name string) (string, bool) {
	switch name {
	case "incident_id":
		return c.IncidentID, true
	case "regulation":
		return c.Regulation, true
	case "risk_level":
		return c.RiskLevel, true
	case "incident_type":
		return c.IncidentType, true
	case "organization_name":
		return c.OrganizationName, true
	case "contact_email":
		return c.ContactEmail, true
	case "detected_at":
		return c.DetectedAt.UTC().Format(time.RFC3339), true
	case "deadline_at":
		return c.DeadlineAt.UTC().Format(time.RFC3339), true
	case "record_count":
		return fmt.Sprintf("%d", c.RecordCount), true
	case "data_categories":
		return strings.Join(c.DataCategories, ", "), true
	case "mitigations":
		return strings.Join(c.Mitigations, "; "), true
	}
	if v, ok := c.CustomFields[name]; ok {
		return v, true
	}
	return "", false
}

// builtinFields are the names every render context can satisfy directly
var builtinFields = []string{
	"incident_id", "regulation", "risk_level", "incident_type",
	"organization_name", "contact_email", "detected_at", "deadline_at",
	"record_count", "data_categories", "mitigations",
}

// Rendered is the outcome of rendering a template against a context
type Rendered struct {
	TemplateCode   string
	Subject        string
	Body           string
	DeliveryMethod string
	Priority       string
}

// Engine resolves templates through the fallback chain and renders them
type Engine struct {
	store Store
	cache *gocache.Cache
}

// NewEngine creates a new template engine
func NewEngine(store Store) *Engine {
	return &Engine{
		store: store,
		cache: gocache.New(cacheTTL, cacheCleanup),
	}
}

// Resolve walks the fallback chain: exact type and language, then the
// type family, then the regulation's general template, then the global
// default. Returns ErrNoTemplate when the whole chain misses.
func (e *Engine) Resolve(ctx context.Context, regulation, notificationType, language string) (*database.NotificationTemplate, error) {
	if language == "" {
		language = defaultLang
	}

	cacheKey := regulation + "/" + notificationType + "/" + language
	if cached, ok := e.cache.Get(cacheKey); ok {
		return cached.(*database.NotificationTemplate), nil
	}

	lookups := [][3]string{
		{regulation, notificationType, language},
	}
	if family, ok := typeFamilies[notificationType]; ok && family != notificationType {
		lookups = append(lookups, [3]string{regulation, family, language})
	}
	lookups = append(lookups,
		[3]string{regulation, generalType, language},
		[3]string{globalFallback, generalType, defaultLang},
	)

	for _, key := range lookups {
		tmpl, err := e.store.GetActive(ctx, key[0], key[1], key[2])
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("template lookup failed: %w", err)
		}
		e.cache.Set(cacheKey, tmpl, gocache.DefaultExpiration)
		return tmpl, nil
	}

	return nil, fmt.Errorf("%w: regulation=%s type=%s language=%s",
		ErrNoTemplate, regulation, notificationType, language)
}

// ResolveByCode retrieves a template by its explicit code
func (e *Engine) ResolveByCode(ctx context.Context, code string) (*database.NotificationTemplate, error) {
	if cached, ok := e.cache.Get("code/" + code); ok {
		return cached.(*database.NotificationTemplate), nil
	}

	tmpl, err := e.store.GetByCode(ctx, code)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, fmt.Errorf("%w: code=%s", ErrNoTemplate, code)
		}
		return nil, fmt.Errorf("template lookup failed: %w", err)
	}

	e.cache.Set("code/"+code, tmpl, gocache.DefaultExpiration)
	return tmpl, nil
}

// Render validates the context against the template's required fields and
// substitutes every known {name} placeholder. Unknown placeholders stay as
// literal text.
func (e *Engine) Render(tmpl *database.NotificationTemplate, renderCtx *Context) (*Rendered, error) {
	var missing []string
	for _, field := range tmpl.RequiredFields {
		if _, ok := renderCtx.FieldValue(field); !ok {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &ValidationError{TemplateCode: tmpl.Code, MissingFields: missing}
	}

	substitute := func(text string) string {
		return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
			name := match[1 : len(match)-1]
			if value, ok := renderCtx.FieldValue(name); ok {
				return value
			}
			return match
		})
	}

	return &Rendered{
		TemplateCode:   tmpl.Code,
		Subject:        substitute(tmpl.Subject),
		Body:           substitute(tmpl.Body),
		DeliveryMethod: DeriveDeliveryMethod(tmpl.Regulation, renderCtx.RiskLevel),
		Priority:       DerivePriority(renderCtx.RiskLevel),
	}, nil
}

// ValidateSyntax checks a template's placeholders against the allow-list of
// names a context can ever satisfy. Run at authoring time, not render time.
func ValidateSyntax(tmpl *database.NotificationTemplate) []string {
	allowed := make(map[string]bool, len(builtinFields)+len(tmpl.RequiredFields))
	for _, f := range builtinFields {
		allowed[f] = true
	}
	for _, f := range tmpl.RequiredFields {
		allowed[f] = true
	}

	seen := make(map[string]bool)
	var unknown []string
	for _, text := range []string{tmpl.Subject, tmpl.Body} {
		for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			name := match[1]
			if !allowed[name] && !seen[name] {
				seen[name] = true
				unknown = append(unknown, name)
			}
		}
	}
	sort.Strings(unknown)
	return unknown
}

// DeriveDeliveryMethod picks a channel from the template's regulation and
// the incident risk level. HIPAA individual notice carries a statutory
// expectation of formal written notice, hence postal mail.
func DeriveDeliveryMethod(regulation, riskLevel string) string {
	switch regulation {
	case database.RegulationHIPAA:
		return database.MethodMail
	default:
		return database.MethodEmail
	}
}

// DerivePriority maps incident risk level to notification priority
func DerivePriority(riskLevel string) string {
	switch riskLevel {
	case "critical":
		return database.PriorityUrgent
	case "high":
		return database.PriorityHigh
	case "medium":
		return database.PriorityMedium
	default:
		return database.PriorityLow
	}
}
