package grpcserver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	stripeapp "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/app"
)

// Reconciler is the part of the reconciliation loop the admin surface drives.
type Reconciler interface {
	RunOnce(ctx context.Context) (stripeapp.TickReport, error)
}

// Server implements AdminServer over the app layer.
type Server struct {
	svc      stripeapp.Service
	rec      Reconciler
	log      *slog.Logger
	adminKey string
}

type Option func(*Server)

// WithAdminKey requires key on every admin call. An empty key disables the check.
func WithAdminKey(key string) Option {
	return func(s *Server) { s.adminKey = key }
}

func New(svc stripeapp.Service, rec Reconciler, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, rec: rec, log: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) RunReconcile(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.rec == nil {
		return nil, status.Error(codes.Unimplemented, "reconciler not configured")
	}
	report, err := s.rec.RunOnce(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return reportToStruct(report)
}

func (s *Server) ListUserSubscriptions(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	userID := stringField(in, "user_id")
	if userID == "" {
		return nil, status.Error(codes.InvalidArgument, "user_id is required")
	}
	subs, err := s.svc.ListUserSubscriptions(ctx, userID)
	if err != nil {
		return nil, toStatus(err)
	}
	return subscriptionsToStruct(subs)
}

func (s *Server) CancelSubscription(ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
	id := stringField(in, "subscription_id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "subscription_id is required")
	}
	if err := s.svc.CancelSubscription(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	s.log.Info("subscription cancellation scheduled", "subscription_id", id)
	return &emptypb.Empty{}, nil
}

func (s *Server) DescribePlan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	planID := stringField(in, "plan_id")
	if planID == "" {
		return nil, status.Error(codes.InvalidArgument, "plan_id is required")
	}
	desc, err := s.svc.DescribePlan(ctx, planID)
	if err != nil {
		return nil, toStatus(err)
	}
	return planToStruct(desc)
}

// toStatus maps app errors to gRPC codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, stripeapp.ErrMalformedPayload):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, stripeapp.ErrRecordNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, stripeapp.ErrNotCancellable):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, stripeapp.ErrLockBusy):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, stripeapp.ErrGatewayUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func stringField(in *structpb.Struct, key string) string {
	if in == nil {
		return ""
	}
	return in.GetFields()[key].GetStringValue()
}

func reportToStruct(r stripeapp.TickReport) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"skipped":       r.Skipped,
		"scanned":       r.Scanned,
		"renewed":       r.Renewed,
		"expired":       r.Expired,
		"grace_expired": r.GraceExpired,
		"failed":        r.Failed,
		"duration_ms":   r.Duration.Milliseconds(),
	})
}

func subscriptionsToStruct(subs []stripeapp.UserSubscription) (*structpb.Struct, error) {
	list := make([]any, 0, len(subs))
	for _, sub := range subs {
		list = append(list, map[string]any{
			"id":         sub.ID,
			"product_id": sub.ProductID,
			"status":     sub.Status,
			"state":      sub.State,
			"next_due":   sub.NextDue,
			"created_at": sub.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return structpb.NewStruct(map[string]any{"subscriptions": list})
}

func planToStruct(d stripeapp.PlanDescription) (*structpb.Struct, error) {
	features := make([]any, 0, len(d.Features))
	for _, f := range d.Features {
		features = append(features, f.Feature)
	}
	out := map[string]any{
		"id":            d.Plan.ID,
		"product_id":    d.Plan.ProductID,
		"name":          d.Plan.DisplayName(),
		"currency":      d.Plan.Currency,
		"unit_amount":   d.Plan.ChargeAmount(),
		"recurring":     d.Plan.Recurring,
		"interval":      d.Plan.Interval,
		"group":         d.Plan.Group,
		"features":      features,
		"has_alternate": d.HasAlternate,
	}
	if d.HasAlternate {
		out["alternate_price"] = map[string]any{
			"currency":    d.AlternatePrice.Currency,
			"unit_amount": d.AlternatePrice.UnitAmount,
		}
	}
	return structpb.NewStruct(out)
}
