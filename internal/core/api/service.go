// Package api provides the gRPC admin service for attributor.
//
// Messages are google.protobuf.Struct so operators can drive the service with
// generic tooling (grpcurl) without generated stubs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/solatis/attributor/internal/attribution"
	"github.com/solatis/attributor/internal/delivery"
	"github.com/solatis/attributor/internal/scheduler"
	"github.com/solatis/attributor/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "attributor.admin.v1.Admin"

// AdminServer is the server API for the admin service.
type AdminServer interface {
	RunAttribution(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeliverEventReports(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeliverAggregateReports(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterSource(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterTrigger(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAdminServer registers srv on s.
func RegisterAdminServer(s grpc.ServiceRegistrar, srv AdminServer) {
	s.RegisterService(&AdminServiceDesc, srv)
}

// AdminService implements AdminServer.
// Thin orchestration layer delegating to the sweep runner and the engine.
type AdminService struct {
	runner *scheduler.Runner
	logger zerolog.Logger
}

var _ AdminServer = (*AdminService)(nil)

// NewAdminService creates service instance with dependencies.
func NewAdminService(runner *scheduler.Runner, logger zerolog.Logger) (*AdminService, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner cannot be nil")
	}
	return &AdminService{
		runner: runner,
		logger: logger.With().Str("component", "admin_api").Logger(),
	}, nil
}

// RunAttribution performs one attribution sweep. The request is ignored.
func (s *AdminService) RunAttribution(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	res, err := s.runner.RunAttribution(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("RunAttribution failed")
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"processed":         res.Processed,
		"attributed":        res.Attributed,
		"ignored":           res.Ignored,
		"event_reports":     res.EventReports,
		"aggregate_reports": res.AggregateReports,
	})
}

// DeliverEventReports performs one event-report delivery sweep. A request
// carrying "report_id" sends only that report, ignoring its report time.
func (s *AdminService) DeliverEventReports(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if id := reportID(in); id != "" {
		return s.deliverOne(ctx, id, s.runner.DeliverEventReport)
	}
	res, err := s.runner.DeliverEventReports(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("DeliverEventReports failed")
		return nil, toStatus(err)
	}
	return deliveryResult(res)
}

// DeliverAggregateReports performs one aggregate-report delivery sweep, or
// sends the single report named by "report_id".
func (s *AdminService) DeliverAggregateReports(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if id := reportID(in); id != "" {
		return s.deliverOne(ctx, id, s.runner.DeliverAggregateReport)
	}
	res, err := s.runner.DeliverAggregateReports(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("DeliverAggregateReports failed")
		return nil, toStatus(err)
	}
	return deliveryResult(res)
}

// RegisterSource stores a source. The request carries the JSON form of
// attribution.SourceRegistration.
func (s *AdminService) RegisterSource(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req attribution.SourceRegistration
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(types.ValidationError("register source", err))
	}

	src, err := s.runner.Engine().RegisterSource(ctx, s.runner.Snapshot(), req)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug().Str("source_id", string(src.ID)).Str("attribution_mode", string(src.AttributionMode)).Msg("source registered")

	return structpb.NewStruct(map[string]interface{}{
		"source_id":        string(src.ID),
		"attribution_mode": string(src.AttributionMode),
		"expiry_time":      src.ExpiryTime.UTC().Format(time.RFC3339),
	})
}

// RegisterTrigger stores a pending trigger. The request carries the JSON form
// of attribution.TriggerRegistration.
func (s *AdminService) RegisterTrigger(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req attribution.TriggerRegistration
	if err := decodeStruct(in, &req); err != nil {
		return nil, toStatus(types.ValidationError("register trigger", err))
	}

	trig, err := s.runner.Engine().RegisterTrigger(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Debug().Str("trigger_id", string(trig.ID)).Msg("trigger registered")

	return structpb.NewStruct(map[string]interface{}{
		"trigger_id": string(trig.ID),
		"status":     string(trig.Status),
	})
}

func (s *AdminService) deliverOne(ctx context.Context, id types.ReportID, send func(context.Context, types.ReportID) (string, error)) (*structpb.Struct, error) {
	outcome, err := send(ctx, id)
	if err != nil {
		s.logger.Warn().Err(err).Str("report_id", string(id)).Msg("report delivery failed")
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		"report_id": string(id),
		"outcome":   outcome,
	})
}

func reportID(in *structpb.Struct) types.ReportID {
	if in == nil {
		return ""
	}
	return types.ReportID(in.GetFields()["report_id"].GetStringValue())
}

func deliveryResult(res delivery.Result) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"attempted": res.Attempted,
		"delivered": res.Delivered,
		"skipped":   res.Skipped,
		"failed":    res.Failed,
	})
}

// decodeStruct converts a Struct to its canonical JSON and decodes it into v.
func decodeStruct(in *structpb.Struct, v interface{}) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}
