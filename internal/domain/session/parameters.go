package session

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/google/uuid"

	"github.com/ahrav/ackpine/internal/domain/plugin"
)

// ErrSplitPackagesUnsupported is returned when an intent-based install is
// given more than one APK.
var ErrSplitPackagesUnsupported = errors.New("split packages are not supported with intent-based installer")

// InstallerType selects the backend for install sessions.
type InstallerType string

const (
	InstallerSessionBased InstallerType = "SESSION_BASED"
	InstallerIntentBased  InstallerType = "INTENT_BASED"
)

// UninstallerType selects the backend for uninstall sessions.
type UninstallerType string

const (
	UninstallerPackageInstallerBased UninstallerType = "PACKAGE_INSTALLER_BASED"
	UninstallerIntentBased           UninstallerType = "INTENT_BASED"
)

// InstallModeKind discriminates InstallMode.
type InstallModeKind string

const (
	InstallModeFull            InstallModeKind = "FULL"
	InstallModeInheritExisting InstallModeKind = "INHERIT_EXISTING"
)

// InstallMode selects a full install or an install that inherits the
// existing package's splits.
type InstallMode struct {
	Kind        InstallModeKind `validate:"oneof=FULL INHERIT_EXISTING"`
	PackageName string          `validate:"required_if=Kind INHERIT_EXISTING"`
	DontKillApp bool
}

// FullInstall is the default install mode.
func FullInstall() InstallMode { return InstallMode{Kind: InstallModeFull} }

// InheritExisting installs splits on top of packageName.
func InheritExisting(packageName string, dontKillApp bool) InstallMode {
	return InstallMode{Kind: InstallModeInheritExisting, PackageName: packageName, DontKillApp: dontKillApp}
}

// Parameters is implemented by InstallParameters and UninstallParameters.
type Parameters interface {
	SessionType() Type
	Validate() error
	// NewRecord returns the initial record for a session created from these
	// parameters.
	NewRecord(id uuid.UUID, notificationID int, now time.Time) *Record
}

// InstallParameters configures an install session.
type InstallParameters struct {
	APKs              []string      `validate:"min=1,dive,required"`
	InstallerType     InstallerType `validate:"oneof=SESSION_BASED INTENT_BASED"`
	Confirmation      Confirmation  `validate:"oneof=IMMEDIATE DEFERRED"`
	Notification      NotificationData
	Name              string
	RequireUserAction bool
	InstallMode       InstallMode
	Plugins           []plugin.Entry
}

var _ Parameters = InstallParameters{}

func (InstallParameters) SessionType() Type { return TypeInstall }

// Validate checks field constraints and backend compatibility.
func (p InstallParameters) Validate() error {
	if err := validate(p); err != nil {
		return err
	}
	if p.InstallerType == InstallerIntentBased && len(p.APKs) > 1 {
		return ErrSplitPackagesUnsupported
	}
	return nil
}

func (p InstallParameters) NewRecord(id uuid.UUID, notificationID int, now time.Time) *Record {
	packageName := ""
	if p.InstallMode.Kind == InstallModeInheritExisting {
		packageName = p.InstallMode.PackageName
	}
	return &Record{
		ID:             id,
		Type:           TypeInstall,
		State:          Pending,
		Confirmation:   p.Confirmation,
		Notification:   ResolveInstallNotification(p.Notification, p.Name),
		NotificationID: notificationID,
		InstallerType:  string(p.InstallerType),
		Install: &InstallDetails{
			APKs:              append([]string(nil), p.APKs...),
			Name:              p.Name,
			RequireUserAction: p.RequireUserAction,
			Mode:              p.InstallMode,
		},
		PackageName:     packageName,
		Plugins:         clonePlugins(p.Plugins),
		NativeSessionID: NoNativeSession,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// UninstallParameters configures an uninstall session.
type UninstallParameters struct {
	PackageName     string          `validate:"required"`
	UninstallerType UninstallerType `validate:"oneof=PACKAGE_INSTALLER_BASED INTENT_BASED"`
	Confirmation    Confirmation    `validate:"oneof=IMMEDIATE DEFERRED"`
	Notification    NotificationData
	Plugins         []plugin.Entry
}

var _ Parameters = UninstallParameters{}

func (UninstallParameters) SessionType() Type { return TypeUninstall }

func (p UninstallParameters) Validate() error { return validate(p) }

func (p UninstallParameters) NewRecord(id uuid.UUID, notificationID int, now time.Time) *Record {
	return &Record{
		ID:              id,
		Type:            TypeUninstall,
		State:           Pending,
		Confirmation:    p.Confirmation,
		Notification:    ResolveUninstallNotification(p.Notification, p.PackageName),
		NotificationID:  notificationID,
		InstallerType:   string(p.UninstallerType),
		PackageName:     p.PackageName,
		Plugins:         clonePlugins(p.Plugins),
		NativeSessionID: NoNativeSession,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// InstallApplier is implemented by plugins that adjust install parameters.
type InstallApplier interface {
	plugin.Plugin
	ApplyInstall(b *InstallBuilder, params plugin.Parameters)
}

// UninstallApplier is implemented by plugins that adjust uninstall parameters.
type UninstallApplier interface {
	plugin.Plugin
	ApplyUninstall(b *UninstallBuilder, params plugin.Parameters)
}

type pluginUse struct {
	plugin plugin.Plugin
	params plugin.Parameters
}

// InstallBuilder assembles InstallParameters. Explicit setters are applied
// first; plugins are then applied in the order they were added.
type InstallBuilder struct {
	params  InstallParameters
	plugins []pluginUse
}

// NewInstallBuilder starts a builder with the library defaults.
func NewInstallBuilder(apks ...string) *InstallBuilder {
	return &InstallBuilder{params: InstallParameters{
		APKs:              append([]string(nil), apks...),
		InstallerType:     InstallerSessionBased,
		Confirmation:      ConfirmationDeferred,
		Notification:      DefaultNotificationData(),
		RequireUserAction: true,
		InstallMode:       FullInstall(),
	}}
}

func (b *InstallBuilder) AddAPKs(apks ...string) *InstallBuilder {
	b.params.APKs = append(b.params.APKs, apks...)
	return b
}

func (b *InstallBuilder) SetInstallerType(t InstallerType) *InstallBuilder {
	b.params.InstallerType = t
	return b
}

func (b *InstallBuilder) SetConfirmation(c Confirmation) *InstallBuilder {
	b.params.Confirmation = c
	return b
}

func (b *InstallBuilder) SetNotificationData(d NotificationData) *InstallBuilder {
	b.params.Notification = d
	return b
}

func (b *InstallBuilder) SetName(name string) *InstallBuilder {
	b.params.Name = name
	return b
}

func (b *InstallBuilder) SetRequireUserAction(v bool) *InstallBuilder {
	b.params.RequireUserAction = v
	return b
}

func (b *InstallBuilder) SetInstallMode(m InstallMode) *InstallBuilder {
	b.params.InstallMode = m
	return b
}

// UsePlugin records p with its parameters. Using the same plugin twice
// replaces the earlier parameters but keeps the original position.
func (b *InstallBuilder) UsePlugin(p plugin.Plugin, params plugin.Parameters) *InstallBuilder {
	b.plugins = usePlugin(b.plugins, p, params)
	return b
}

// Params returns the parameters as currently configured.
func (b *InstallBuilder) Params() InstallParameters { return b.params }

// Build applies plugins and validates the result.
func (b *InstallBuilder) Build() (InstallParameters, error) {
	work := &InstallBuilder{params: b.params}
	work.params.APKs = append([]string(nil), b.params.APKs...)
	for _, use := range b.plugins {
		if applier, ok := use.plugin.(InstallApplier); ok {
			applier.ApplyInstall(work, use.params.Clone())
		}
	}

	out := work.params
	out.Plugins = entries(b.plugins)
	if err := out.Validate(); err != nil {
		return InstallParameters{}, err
	}
	return out, nil
}

// UninstallBuilder assembles UninstallParameters.
type UninstallBuilder struct {
	params  UninstallParameters
	plugins []pluginUse
}

// NewUninstallBuilder starts a builder for packageName with library defaults.
func NewUninstallBuilder(packageName string) *UninstallBuilder {
	return &UninstallBuilder{params: UninstallParameters{
		PackageName:     packageName,
		UninstallerType: UninstallerPackageInstallerBased,
		Confirmation:    ConfirmationDeferred,
		Notification:    DefaultNotificationData(),
	}}
}

func (b *UninstallBuilder) SetUninstallerType(t UninstallerType) *UninstallBuilder {
	b.params.UninstallerType = t
	return b
}

func (b *UninstallBuilder) SetConfirmation(c Confirmation) *UninstallBuilder {
	b.params.Confirmation = c
	return b
}

func (b *UninstallBuilder) SetNotificationData(d NotificationData) *UninstallBuilder {
	b.params.Notification = d
	return b
}

func (b *UninstallBuilder) UsePlugin(p plugin.Plugin, params plugin.Parameters) *UninstallBuilder {
	b.plugins = usePlugin(b.plugins, p, params)
	return b
}

func (b *UninstallBuilder) Params() UninstallParameters { return b.params }

func (b *UninstallBuilder) Build() (UninstallParameters, error) {
	work := &UninstallBuilder{params: b.params}
	for _, use := range b.plugins {
		if applier, ok := use.plugin.(UninstallApplier); ok {
			applier.ApplyUninstall(work, use.params.Clone())
		}
	}

	out := work.params
	out.Plugins = entries(b.plugins)
	if err := out.Validate(); err != nil {
		return UninstallParameters{}, err
	}
	return out, nil
}

func usePlugin(uses []pluginUse, p plugin.Plugin, params plugin.Parameters) []pluginUse {
	for i := range uses {
		if uses[i].plugin.ID() == p.ID() {
			uses[i].params = params.Clone()
			return uses
		}
	}
	return append(uses, pluginUse{plugin: p, params: params.Clone()})
}

func entries(uses []pluginUse) []plugin.Entry {
	if len(uses) == 0 {
		return nil
	}
	out := make([]plugin.Entry, len(uses))
	for i, u := range uses {
		out[i] = plugin.Entry{ID: u.plugin.ID(), Params: u.params.Clone()}
	}
	return out
}

func clonePlugins(in []plugin.Entry) []plugin.Entry {
	if len(in) == 0 {
		return nil
	}
	out := make([]plugin.Entry, len(in))
	for i, e := range in {
		out[i] = plugin.Entry{ID: e.ID, Params: e.Params.Clone()}
	}
	return out
}

// ValidationError reports parameter constraint violations with translated
// messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, e.Fields[f])
	}
	return "invalid session parameters: " + strings.Join(parts, "; ")
}

var (
	validatorOnce sync.Once
	validate_     *validator.Validate
	translator    ut.Translator
)

func validate(v any) error {
	validatorOnce.Do(func() {
		validate_ = validator.New(validator.WithRequiredStructEnabled())
		english := en.New()
		translator, _ = ut.New(english, english).GetTranslator("en")
		_ = en_translations.RegisterDefaultTranslations(validate_, translator)
	})

	err := validate_.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating parameters: %w", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Translate(translator)
	}
	return &ValidationError{Fields: fields}
}
