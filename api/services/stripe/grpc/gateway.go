package grpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminKeyHeader carries the shared admin key on HTTP requests. Over gRPC the
// same value travels as the lower-cased metadata key.
const AdminKeyHeader = "X-Admin-Key"

var adminKeyMetadata = strings.ToLower(AdminKeyHeader)

// HeaderMatcher forwards the admin key header to gRPC metadata and falls back
// to the default grpc-gateway behaviour for everything else.
func HeaderMatcher(key string) (string, bool) {
	if strings.EqualFold(key, AdminKeyHeader) {
		return adminKeyMetadata, true
	}
	return runtime.DefaultHeaderMatcher(key)
}

// ErrNoAdminKey is returned by RegisterGateway for a server built without
// WithAdminKey; nothing is mounted.
var ErrNoAdminKey = errors.New("admin key not configured")

// RegisterGateway mounts the admin HTTP routes on mux. Each route calls the
// same Server methods the gRPC service uses. The routes share the public
// webhook port, so they are only mounted behind an admin key.
func RegisterGateway(_ context.Context, mux *runtime.ServeMux, srv *Server) error {
	if srv.adminKey == "" {
		return ErrNoAdminKey
	}
	routes := []struct {
		method, pattern string
		handler         runtime.HandlerFunc
	}{
		{http.MethodPost, "/admin/reconcile", srv.httpRunReconcile},
		{http.MethodGet, "/admin/users/{user_id}/subscriptions", srv.httpListUserSubscriptions},
		{http.MethodPost, "/admin/subscriptions/{subscription_id}/cancel", srv.httpCancelSubscription},
		{http.MethodGet, "/admin/plans/{plan_id}", srv.httpDescribePlan},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, srv.requireKey(rt.handler)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) requireKey(next runtime.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		if !s.keyMatches(r.Header.Get(AdminKeyHeader)) {
			writeError(w, status.Error(codes.Unauthenticated, "missing or invalid admin key"))
			return
		}
		next(w, r, params)
	}
}

func (s *Server) keyMatches(got string) bool {
	if s.adminKey == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.adminKey)) == 1
}

func (s *Server) httpRunReconcile(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	out, err := s.RunReconcile(r.Context(), &emptypb.Empty{})
	writeResponse(w, out, err)
}

func (s *Server) httpListUserSubscriptions(w http.ResponseWriter, r *http.Request, params map[string]string) {
	out, err := s.ListUserSubscriptions(r.Context(), fields("user_id", params["user_id"]))
	writeResponse(w, out, err)
}

func (s *Server) httpCancelSubscription(w http.ResponseWriter, r *http.Request, params map[string]string) {
	out, err := s.CancelSubscription(r.Context(), fields("subscription_id", params["subscription_id"]))
	writeResponse(w, out, err)
}

func (s *Server) httpDescribePlan(w http.ResponseWriter, r *http.Request, params map[string]string) {
	out, err := s.DescribePlan(r.Context(), fields("plan_id", params["plan_id"]))
	writeResponse(w, out, err)
}

func fields(key, value string) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{key: structpb.NewStringValue(value)}}
}

var jsonOpts = protojson.MarshalOptions{UseProtoNames: true, EmitUnpopulated: true}

func writeResponse(w http.ResponseWriter, msg proto.Message, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := jsonOpts.Marshal(msg)
	if err != nil {
		writeError(w, status.Error(codes.Internal, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": st.Message(),
		"code":  st.Code().String(),
	})
}
