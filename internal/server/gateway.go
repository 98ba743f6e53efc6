package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"PerpSettle/internal/observability"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewGatewayMux serves the HTTP routes in-process on a grpc-gateway mux.
// Path parameters override the same field in the body.
func NewGatewayMux(srv SettlementServer, health *observability.HealthChecker, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()

	routes := []gatewayRoute{
		{http.MethodPost, "/v1/markets/{market}/consume", route(metrics, "ConsumeEvents",
			func(req *ConsumeEventsRequest, p map[string]string) error { return pathUUID(p, "market", &req.Market) },
			srv.ConsumeEvents)},
		{http.MethodPost, "/v1/markets/{market}/prune", route(metrics, "PruneOrders",
			func(req *PruneOrdersRequest, p map[string]string) error { return pathUUID(p, "market", &req.Market) },
			srv.PruneOrders)},
		{http.MethodPost, "/v1/markets/{market}/purge", route(metrics, "PurgePosition",
			func(req *PurgePositionRequest, p map[string]string) error { return pathUUID(p, "market", &req.Market) },
			srv.PurgePosition)},
		{http.MethodPost, "/v1/markets/{market}/events", route(metrics, "PushEvent",
			func(req *PushEventRequest, p map[string]string) error { return pathUUID(p, "market", &req.Market) },
			srv.PushEvent)},
		{http.MethodPost, "/v1/accounts/{account}/purge-swaps", route(metrics, "PurgeConditionalSwaps",
			func(req *PurgeConditionalSwapsRequest, p map[string]string) error {
				return pathUUID(p, "account", &req.Account)
			},
			srv.PurgeConditionalSwaps)},
		{http.MethodPost, "/v1/oracles/{oracle}/price", route(metrics, "SetReferencePrice",
			func(req *SetReferencePriceRequest, p map[string]string) error {
				return pathUUID(p, "oracle", &req.Oracle)
			},
			srv.SetReferencePrice)},
		{http.MethodGet, "/v1/markets/{market}/queue", route(metrics, "GetQueue",
			func(req *GetQueueRequest, p map[string]string) error { return pathUUID(p, "market", &req.Market) },
			srv.GetQueue)},
		{http.MethodGet, "/v1/accounts/{account}", route(metrics, "GetAccount",
			func(req *GetAccountRequest, p map[string]string) error { return pathUUID(p, "account", &req.Account) },
			srv.GetAccount)},
	}
	if health != nil {
		routes = append(routes,
			gatewayRoute{http.MethodGet, "/healthz", plain(health.LivenessHandler)},
			gatewayRoute{http.MethodGet, "/readyz", plain(health.ReadinessHandler)},
		)
	}

	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, r.h); err != nil {
			return nil, errors.Wrapf(err, "register %s %s", r.method, r.pattern)
		}
	}
	return mux, nil
}

type gatewayRoute struct {
	method, pattern string
	h               runtime.HandlerFunc
}

func plain(h http.HandlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) { h(w, r) }
}

func route[Req, Resp any](
	metrics *observability.Metrics,
	method string,
	bind func(req *Req, params map[string]string) error,
	call func(context.Context, *Req) (*Resp, error),
) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := serveJSON(r, params, bind, call)

		code := status.Code(err)
		if metrics != nil {
			metrics.APIRequests.WithLabelValues(method, code.String()).Inc()
			metrics.APIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}

		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(runtime.HTTPStatusFromCode(code))
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"code":    code.String(),
				"message": status.Convert(err).Message(),
			})
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func serveJSON[Req, Resp any](
	r *http.Request,
	params map[string]string,
	bind func(req *Req, params map[string]string) error,
	call func(context.Context, *Req) (*Resp, error),
) (*Resp, error) {
	req := new(Req)
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
			}
		}
	}
	if err := bind(req, params); err != nil {
		return nil, err
	}
	return call(r.Context(), req)
}

func pathUUID(params map[string]string, name string, dst *uuid.UUID) error {
	id, err := uuid.Parse(params[name])
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %v", name, err)
	}
	*dst = id
	return nil
}
