package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/oref-loop/go-controller/internal/orchestrator"
	"github.com/danielpatrickdp/oref-loop/go-controller/internal/state"
)

// #region client-struct

// Client calls a LoopService.
type Client struct {
	conn *grpc.ClientConn
}

// #endregion

// #region constructor

// Dial connects to a LoopService at addr.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close shuts down the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// #endregion

// #region calls

// call invokes method and decodes the response into out. It reports false
// when the server answered with no result.
func (c *Client) call(ctx context.Context, method string, req, out any) (bool, error) {
	in, err := toStruct(req)
	if err != nil {
		return false, err
	}
	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, fullMethod(method), in, resp); err != nil {
		return false, fmt.Errorf("%s rpc: %w", method, err)
	}
	return fromStruct(resp, out)
}

func result[T any](found bool, v *T, err error) (*T, error) {
	if err != nil || !found {
		return nil, err
	}
	return v, nil
}

// DetermineBasal asks for a determination. A nil currentTemp uses the
// server's stored temp basal; a zero clock uses the server's time.
func (c *Client) DetermineBasal(ctx context.Context, currentTemp *orchestrator.TempBasal, clock time.Time) (*state.Determination, error) {
	req := DetermineBasalRequest{CurrentTemp: currentTemp}
	if !clock.IsZero() {
		req.Clock = &clock
	}
	var d state.Determination
	found, err := c.call(ctx, MethodDetermineBasal, req, &d)
	return result(found, &d, err)
}

func (c *Client) Autosens(ctx context.Context) (*state.Autosens, error) {
	var a state.Autosens
	found, err := c.call(ctx, MethodAutosens, nil, &a)
	return result(found, &a, err)
}

func (c *Client) Autotune(ctx context.Context, categorizeUamAsBasal, tuneInsulinCurve bool) (*orchestrator.Autotune, error) {
	var a orchestrator.Autotune
	found, err := c.call(ctx, MethodAutotune, AutotuneRequest{categorizeUamAsBasal, tuneInsulinCurve}, &a)
	return result(found, &a, err)
}

func (c *Client) MakeProfiles(ctx context.Context, useAutotune bool) (*orchestrator.Profile, error) {
	var p orchestrator.Profile
	found, err := c.call(ctx, MethodMakeProfiles, MakeProfilesRequest{UseAutotune: useAutotune}, &p)
	return result(found, &p, err)
}

func (c *Client) CurrentDetermination(ctx context.Context) (*state.Determination, error) {
	var d state.Determination
	found, err := c.call(ctx, MethodCurrentDetermination, nil, &d)
	return result(found, &d, err)
}

func (c *Client) EnactOverride(ctx context.Context, o state.Override) (*state.Override, error) {
	var out state.Override
	found, err := c.call(ctx, MethodEnactOverride, OverrideRequest{Override: &o}, &out)
	return result(found, &out, err)
}

func (c *Client) CancelOverride(ctx context.Context) (bool, error) {
	var out CancelResponse
	_, err := c.call(ctx, MethodEnactOverride, OverrideRequest{Cancel: true}, &out)
	return out.Cancelled, err
}

func (c *Client) EnactTempTarget(ctx context.Context, t state.TempTarget) (*state.TempTarget, error) {
	var out state.TempTarget
	found, err := c.call(ctx, MethodEnactTempTarget, TempTargetRequest{TempTarget: &t}, &out)
	return result(found, &out, err)
}

func (c *Client) CancelTempTarget(ctx context.Context) (bool, error) {
	var out CancelResponse
	_, err := c.call(ctx, MethodEnactTempTarget, TempTargetRequest{Cancel: true}, &out)
	return out.Cancelled, err
}

// #endregion
