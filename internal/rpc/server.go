package rpc

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// #region collaborators

// Pipeline is the orchestrator surface the server drives.
type Pipeline interface {
	DetermineBasal(ctx context.Context, currentTemp orchestrator.TempBasal, clock time.Time) *state.Determination
	Autosens(ctx context.Context) *state.Autosens
	Autotune(ctx context.Context, categorizeUamAsBasal, tuneInsulinCurve bool) *orchestrator.Autotune
	MakeProfiles(ctx context.Context, useAutotune bool) *orchestrator.Profile
	EnactOverride(ctx context.Context, o state.Override) *state.Override
	CancelOverride(ctx context.Context) bool
	EnactTempTarget(ctx context.Context, t state.TempTarget) *state.TempTarget
	CancelTempTarget(ctx context.Context) bool
	CurrentTempBasal() orchestrator.TempBasal
}

// Determinations reads the authoritative determination.
type Determinations interface {
	CurrentDetermination() (state.Determination, error)
}

// #endregion

// #region requests

// DetermineBasalRequest is the DetermineBasal request document. A missing
// currentTemp uses the last stored temp basal; a missing clock uses now.
type DetermineBasalRequest struct {
	CurrentTemp *orchestrator.TempBasal `json:"currentTemp,omitempty"`
	Clock       *time.Time              `json:"clock,omitempty"`
}

type AutotuneRequest struct {
	CategorizeUamAsBasal bool `json:"categorizeUamAsBasal"`
	TuneInsulinCurve     bool `json:"tuneInsulinCurve"`
}

type MakeProfilesRequest struct {
	UseAutotune bool `json:"useAutotune"`
}

// OverrideRequest enacts Override, or cancels the enabled one when Cancel is set.
type OverrideRequest struct {
	Override *state.Override `json:"override,omitempty"`
	Cancel   bool            `json:"cancel,omitempty"`
}

// TempTargetRequest enacts TempTarget, or cancels the enabled one when Cancel is set.
type TempTargetRequest struct {
	TempTarget *state.TempTarget `json:"tempTarget,omitempty"`
	Cancel     bool              `json:"cancel,omitempty"`
}

// CancelResponse reports whether a cancel was applied.
type CancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

// #endregion

// #region server

// Server implements LoopServer on top of the orchestrator.
type Server struct {
	pipeline       Pipeline
	determinations Determinations
	logger         *zap.Logger
	now            func() time.Time
}

func NewServer(pipeline Pipeline, determinations Determinations, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{pipeline: pipeline, determinations: determinations, logger: logger.Named("rpc"), now: time.Now}
}

func decode(in *structpb.Struct, v any) error {
	if _, err := fromStruct(in, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	return nil
}

// respond renders a pipeline result; a nil result is the empty struct.
func respond[T any](v *T) (*structpb.Struct, error) {
	if v == nil {
		return toStruct(nil)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func (s *Server) DetermineBasal(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req DetermineBasalRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	temp := s.pipeline.CurrentTempBasal()
	if req.CurrentTemp != nil {
		temp = *req.CurrentTemp
	}
	clock := s.now()
	if req.Clock != nil {
		clock = *req.Clock
	}
	return respond(s.pipeline.DetermineBasal(ctx, temp, clock))
}

func (s *Server) Autosens(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return respond(s.pipeline.Autosens(ctx))
}

func (s *Server) Autotune(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req AutotuneRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return respond(s.pipeline.Autotune(ctx, req.CategorizeUamAsBasal, req.TuneInsulinCurve))
}

func (s *Server) MakeProfiles(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req MakeProfilesRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return respond(s.pipeline.MakeProfiles(ctx, req.UseAutotune))
}

func (s *Server) CurrentDetermination(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	d, err := s.determinations.CurrentDetermination()
	if errors.Is(err, state.ErrNotFound) {
		return toStruct(nil)
	}
	if err != nil {
		s.logger.Error("current determination", zap.Error(err))
		return nil, status.Error(codes.Internal, "current determination unavailable")
	}
	return respond(&d)
}

func (s *Server) EnactOverride(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req OverrideRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Cancel {
		return respond(&CancelResponse{Cancelled: s.pipeline.CancelOverride(ctx)})
	}
	if req.Override == nil {
		return nil, status.Error(codes.InvalidArgument, "override or cancel required")
	}
	return respond(s.pipeline.EnactOverride(ctx, *req.Override))
}

func (s *Server) EnactTempTarget(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req TempTargetRequest
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Cancel {
		return respond(&CancelResponse{Cancelled: s.pipeline.CancelTempTarget(ctx)})
	}
	if req.TempTarget == nil {
		return nil, status.Error(codes.InvalidArgument, "tempTarget or cancel required")
	}
	if req.TempTarget.TargetTop < req.TempTarget.TargetBottom {
		return nil, status.Error(codes.InvalidArgument, "targetTop below targetBottom")
	}
	return respond(s.pipeline.EnactTempTarget(ctx, *req.TempTarget))
}

// #endregion
