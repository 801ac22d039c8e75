package attribution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/solatis/attributor/internal/core/config"
	"github.com/solatis/attributor/internal/store"
	"github.com/solatis/attributor/internal/triggerspec"
	"github.com/solatis/attributor/internal/types"
)

// DefaultSourceExpiry applies when a registration omits expiry.
const DefaultSourceExpiry = types.MaxSourceExpiry

// SourceRegistration is a parsed source registration. Durations are seconds.
type SourceRegistration struct {
	EventID                  types.UnsignedLong `json:"source_event_id"`
	SourceType               types.SourceType   `json:"source_type" validate:"required,oneof=event navigation"`
	Publisher                string             `json:"publisher" validate:"required,url"`
	Destinations             []string           `json:"destinations" validate:"required,min=1,max=3,dive,required,url"`
	ReportingOrigin          string             `json:"reporting_origin" validate:"required,url"`
	Registrant               string             `json:"registrant"`
	EventTime                time.Time          `json:"event_time"`
	Expiry                   int64              `json:"expiry" validate:"gte=0"`
	Priority                 int64              `json:"priority,string,omitempty"`
	FilterData               types.FilterMap    `json:"filter_data,omitempty"`
	InstallAttributionWindow int64              `json:"install_attribution_window" validate:"gte=0"`
	InstallAttributed        bool               `json:"install_attributed"`
	AggregationKeys          map[string]string  `json:"aggregation_keys,omitempty" validate:"max=50,dive,keys,max=25,endkeys,required"`
	TriggerSpecs             json.RawMessage    `json:"trigger_specs,omitempty"`
	MaxEventLevelReports     *int               `json:"max_event_level_reports,omitempty" validate:"omitempty,min=1,max=20"`
}

// TriggerRegistration is a parsed trigger registration.
type TriggerRegistration struct {
	Destination             string                          `json:"destination" validate:"required,url"`
	ReportingOrigin         string                          `json:"reporting_origin" validate:"required,url"`
	Registrant              string                          `json:"registrant"`
	TriggerTime             time.Time                       `json:"trigger_time"`
	EventTriggerData        []types.EventTrigger            `json:"event_trigger_data,omitempty" validate:"max=10,dive"`
	AggregatableTriggerData []types.AggregatableTriggerData `json:"aggregatable_trigger_data,omitempty" validate:"max=50"`
	AggregatableValues      map[string]int64                `json:"aggregatable_values,omitempty" validate:"max=50,dive,min=1,max=65536"`
	AggregatableDedupKeys   []types.AggregateDedupKey       `json:"aggregatable_deduplication_keys,omitempty" validate:"max=50"`
	Filters                 types.FilterSet                 `json:"filters,omitempty"`
	NotFilters              types.FilterSet                 `json:"not_filters,omitempty"`
}

// RegisterSource validates and stores a source, deciding its attribution
// mode (and writing any fake reports) in the same transaction.
func (e *Engine) RegisterSource(ctx context.Context, cfg config.Snapshot, req SourceRegistration) (*types.Source, error) {
	const op = "register source"

	if err := e.validate.Struct(req); err != nil {
		return nil, types.ValidationError(op, validationCause(err))
	}
	if err := types.ValidateFilterData(req.FilterData); err != nil {
		return nil, types.ValidationError(op, err)
	}
	for id, piece := range req.AggregationKeys {
		if _, err := types.ParseKeyPiece(piece); err != nil {
			return nil, types.ValidationError(op, fmt.Errorf("aggregation key %q: %w", id, err))
		}
	}

	eventTime := req.EventTime
	if eventTime.IsZero() {
		eventTime = e.clock.Now()
	}
	expiry := DefaultSourceExpiry
	if req.Expiry > 0 {
		expiry = min(max(time.Duration(req.Expiry)*time.Second, types.MinSourceExpiry), types.MaxSourceExpiry)
	}

	src := &types.Source{
		ID:                       types.NewSourceID(),
		EventID:                  req.EventID,
		SourceType:               req.SourceType,
		Publisher:                req.Publisher,
		Destinations:             req.Destinations,
		ReportingOrigin:          req.ReportingOrigin,
		Registrant:               req.Registrant,
		EventTime:                eventTime,
		ExpiryTime:               eventTime.Add(expiry),
		Priority:                 req.Priority,
		FilterData:               req.FilterData,
		InstallAttributionWindow: time.Duration(req.InstallAttributionWindow) * time.Second,
		InstallAttributed:        req.InstallAttributed,
		AggregationKeys:          req.AggregationKeys,
	}

	specs, err := sourceTriggerSpecs(cfg, src, req)
	if err != nil {
		return nil, types.ValidationError(op, err)
	}

	err = e.store.WithTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertSource(ctx, src); err != nil {
			return fmt.Errorf("failed to insert source: %w", err)
		}
		if err := e.assignNoise(ctx, tx, cfg, src, specs); err != nil {
			return err
		}
		return tx.UpdateSource(ctx, src)
	})
	if err != nil {
		return nil, types.DatastoreError(op, err)
	}

	e.logger.Info().
		Str("source_id", string(src.ID)).
		Str("source_type", string(src.SourceType)).
		Str("reporting_origin", src.ReportingOrigin).
		Msg("source registered")
	return src, nil
}

// sourceTriggerSpecs parses optional flexible specs (verbose array or compact
// object), enforces the information gain cap and records the canonical JSON
// on src. Sources without specs get the default schema.
func sourceTriggerSpecs(cfg config.Snapshot, src *types.Source, req SourceRegistration) (*triggerspec.TriggerSpecs, error) {
	raw := bytes.TrimSpace(req.TriggerSpecs)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return triggerspec.Default(src.SourceType, src.ExpiryTime.Sub(src.EventTime), src.InstallAttributed), nil
	}

	maxReports := triggerspec.EventMaxReports
	if src.SourceType == types.SourceTypeNavigation {
		maxReports = triggerspec.NavigationMaxReports
	}
	if req.MaxEventLevelReports != nil {
		maxReports = *req.MaxEventLevelReports
	}

	var (
		specs *triggerspec.TriggerSpecs
		err   error
	)
	if raw[0] == '{' {
		specs, err = triggerspec.ParseCompact(raw, maxReports)
	} else {
		specs, err = triggerspec.Parse(raw, maxReports)
	}
	if err != nil {
		return nil, err
	}
	for _, spec := range specs.Specs() {
		if last := spec.WindowEnds[len(spec.WindowEnds)-1]; last > src.ExpiryTime.Sub(src.EventTime) {
			return nil, fmt.Errorf("%w: report window %v exceeds source expiry", types.ErrInvalidTriggerSpecs, last)
		}
	}
	if err := specs.CheckInformationGain(cfg.Epsilon, cfg.MaxInformationGain(src.SourceType)); err != nil {
		return nil, err
	}

	encoded, err := specs.EncodeToJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode trigger specs: %w", err)
	}
	src.TriggerSpecs = encoded
	src.MaxEventLevelReports = specs.MaxReports()
	return specs, nil
}

// RegisterTrigger validates and stores a pending trigger.
func (e *Engine) RegisterTrigger(ctx context.Context, req TriggerRegistration) (*types.Trigger, error) {
	const op = "register trigger"

	if err := e.validate.Struct(req); err != nil {
		return nil, types.ValidationError(op, validationCause(err))
	}
	if err := validateTriggerFilters(req); err != nil {
		return nil, types.ValidationError(op, err)
	}
	for i, td := range req.AggregatableTriggerData {
		if _, err := types.ParseKeyPiece(td.KeyPiece); err != nil {
			return nil, types.ValidationError(op, fmt.Errorf("aggregatable trigger data %d: %w", i, err))
		}
		if len(td.SourceKeys) == 0 || len(td.SourceKeys) > types.MaxAggregateKeysPerRegistration {
			return nil, types.ValidationError(op, fmt.Errorf("aggregatable trigger data %d: %w: source_keys", i, types.ErrMissingField))
		}
	}

	triggerTime := req.TriggerTime
	if triggerTime.IsZero() {
		triggerTime = e.clock.Now()
	}
	trig := &types.Trigger{
		ID:                      types.NewTriggerID(),
		TriggerTime:             triggerTime,
		Destination:             req.Destination,
		ReportingOrigin:         req.ReportingOrigin,
		Registrant:              req.Registrant,
		EventTriggers:           eventTriggersWithDefaults(req.EventTriggerData),
		AggregatableTriggerData: req.AggregatableTriggerData,
		AggregatableValues:      req.AggregatableValues,
		AggregateDedupKeys:      req.AggregatableDedupKeys,
		Filters:                 req.Filters,
		NotFilters:              req.NotFilters,
		Status:                  types.TriggerStatusPending,
	}

	err := e.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertTrigger(ctx, trig)
	})
	if err != nil {
		return nil, types.DatastoreError(op, err)
	}

	e.logger.Info().
		Str("trigger_id", string(trig.ID)).
		Str("destination", trig.Destination).
		Msg("trigger registered")
	return trig, nil
}

func validateTriggerFilters(req TriggerRegistration) error {
	sets := []types.FilterSet{req.Filters, req.NotFilters}
	for _, et := range req.EventTriggerData {
		sets = append(sets, et.Filters, et.NotFilters)
	}
	for _, td := range req.AggregatableTriggerData {
		sets = append(sets, td.Filters, td.NotFilters)
	}
	for _, dk := range req.AggregatableDedupKeys {
		sets = append(sets, dk.Filters, dk.NotFilters)
	}
	for _, set := range sets {
		if err := types.ValidateFilterSet(set); err != nil {
			return err
		}
	}
	return nil
}

// validationCause maps validator field errors onto the sentinel taxonomy.
func validationCause(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%w: %s", types.ErrMissingField, fe.Namespace())
	case "url":
		return fmt.Errorf("%w: %s=%v", types.ErrInvalidOrigin, fe.Namespace(), fe.Value())
	default:
		return fmt.Errorf("invalid %s: failed %q", fe.Namespace(), fe.Tag())
	}
}

// eventTriggersWithDefaults fills an omitted value with 1.
func eventTriggersWithDefaults(in []types.EventTrigger) []types.EventTrigger {
	out := slices.Clone(in)
	for i := range out {
		if out[i].Value == 0 {
			out[i].Value = 1
		}
	}
	return out
}
