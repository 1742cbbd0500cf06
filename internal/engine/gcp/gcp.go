// Package gcp implements the engine.Engine interface on Google Cloud
// Compute Engine. A sandbox machine is a VM instance; its baseline is a
// machine image named after the instance. Rollback deletes the instance
// and recreates it from that image.
//
// Authentication uses Application Default Credentials (ADC). No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/vmworker/internal/engine"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone hosting the sandbox instances (required).
	Zone string

	// PublicIP reports the instance's external NAT address instead of
	// its internal one. Use it when the worker runs outside the VPC.
	PublicIP bool

	// ImageSuffix is appended to the instance name to form the machine
	// image name. Default: "-baseline".
	ImageSuffix string

	// Filter is an optional Compute API list filter, for example
	// `labels.role = "sandbox"`.
	Filter string
}

// ---------------------------------------------------------------------------
// Narrow client interfaces
// ---------------------------------------------------------------------------

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of the instances client used by the engine.
type instancesAPI interface {
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error)
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error)
	Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error)
	Suspend(ctx context.Context, req *computepb.SuspendInstanceRequest) (operationWaiter, error)
	Close() error
}

// imagesAPI is the subset of the machine images client used by the engine.
type imagesAPI interface {
	Get(ctx context.Context, req *computepb.GetMachineImageRequest) (*computepb.MachineImage, error)
	Insert(ctx context.Context, req *computepb.InsertMachineImageRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteMachineImageRequest) (operationWaiter, error)
	Close() error
}

type instancesClient struct{ c *compute.InstancesClient }

func (a instancesClient) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return a.c.Get(ctx, req)
}

func (a instancesClient) List(ctx context.Context, req *computepb.ListInstancesRequest) ([]*computepb.Instance, error) {
	var out []*computepb.Instance
	it := a.c.List(ctx, req)
	for {
		inst, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

func (a instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	return a.c.Insert(ctx, req)
}

func (a instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	return a.c.Delete(ctx, req)
}

func (a instancesClient) Start(ctx context.Context, req *computepb.StartInstanceRequest) (operationWaiter, error) {
	return a.c.Start(ctx, req)
}

func (a instancesClient) Stop(ctx context.Context, req *computepb.StopInstanceRequest) (operationWaiter, error) {
	return a.c.Stop(ctx, req)
}

func (a instancesClient) Suspend(ctx context.Context, req *computepb.SuspendInstanceRequest) (operationWaiter, error) {
	return a.c.Suspend(ctx, req)
}

func (a instancesClient) Close() error { return a.c.Close() }

type imagesClient struct{ c *compute.MachineImagesClient }

func (a imagesClient) Get(ctx context.Context, req *computepb.GetMachineImageRequest) (*computepb.MachineImage, error) {
	return a.c.Get(ctx, req)
}

func (a imagesClient) Insert(ctx context.Context, req *computepb.InsertMachineImageRequest) (operationWaiter, error) {
	return a.c.Insert(ctx, req)
}

func (a imagesClient) Delete(ctx context.Context, req *computepb.DeleteMachineImageRequest) (operationWaiter, error) {
	return a.c.Delete(ctx, req)
}

func (a imagesClient) Close() error { return a.c.Close() }

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// Engine manages sandbox machines as Compute Engine instances.
type Engine struct {
	instances instancesAPI
	images    imagesAPI
	cfg       Config
	logger    *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	imgClient, err := compute.NewMachineImagesRESTClient(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("gcp machine images client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
	)

	return newEngine(instancesClient{client}, imagesClient{imgClient}, cfg, logger), nil
}

func newEngine(instances instancesAPI, images imagesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.ImageSuffix == "" {
		cfg.ImageSuffix = "-baseline"
	}
	return &Engine{
		instances: instances,
		images:    images,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer("vmworker/engine/gcp"),
	}
}

// ImageName returns the machine image holding name's baseline.
func (e *Engine) ImageName(name string) string {
	return name + e.cfg.ImageSuffix
}

// List returns every instance in the zone matching the configured filter.
func (e *Engine) List(ctx context.Context) ([]engine.Machine, error) {
	req := &computepb.ListInstancesRequest{Project: e.cfg.Project, Zone: e.cfg.Zone}
	if e.cfg.Filter != "" {
		req.Filter = proto.String(e.cfg.Filter)
	}
	instances, err := e.instances.List(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	machines := make([]engine.Machine, 0, len(instances))
	for _, inst := range instances {
		m := e.machine(inst)
		if m.Snapshot, err = e.hasImage(ctx, m.Name); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// Inspect returns the state of one instance. An instance that is gone
// while its machine image exists is reported stopped with a snapshot, so
// the next Restore recreates it.
func (e *Engine) Inspect(ctx context.Context, name string) (engine.Machine, error) {
	inst, err := e.instances.Get(ctx, &computepb.GetInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err != nil {
		err = fmt.Errorf("get instance %s: %w", name, err)
		if !isNotFound(err) {
			return engine.Machine{}, err
		}
		ok, imgErr := e.hasImage(ctx, name)
		if imgErr != nil || !ok {
			return engine.Machine{}, errors.Join(err, imgErr)
		}
		e.logger.Warn("instance missing, baseline image present",
			slog.String("name", name),
			slog.String("image", e.ImageName(name)),
		)
		return engine.Machine{Name: name, State: engine.StateStopped, Snapshot: true}, nil
	}
	m := e.machine(inst)
	if m.Snapshot, err = e.hasImage(ctx, name); err != nil {
		return engine.Machine{}, err
	}
	return m, nil
}

// PowerOn starts a stopped or suspended instance.
func (e *Engine) PowerOn(ctx context.Context, name string) error {
	ctx, span := e.startSpan(ctx, "engine.gcp.PowerOn", name)
	defer span.End()

	op, err := e.instances.Start(ctx, &computepb.StartInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	return e.wait(ctx, "start instance", name, op, err)
}

// PowerOff stops the instance.
func (e *Engine) PowerOff(ctx context.Context, name string) error {
	ctx, span := e.startSpan(ctx, "engine.gcp.PowerOff", name)
	defer span.End()

	op, err := e.instances.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	return e.wait(ctx, "stop instance", name, op, err)
}

// Pause suspends the instance, preserving memory.
func (e *Engine) Pause(ctx context.Context, name string) error {
	ctx, span := e.startSpan(ctx, "engine.gcp.Pause", name)
	defer span.End()

	op, err := e.instances.Suspend(ctx, &computepb.SuspendInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	return e.wait(ctx, "suspend instance", name, op, err)
}

// Snapshot stops the instance and replaces its machine image. Machine
// images capture disks only, so the baseline boots cold on Restore.
func (e *Engine) Snapshot(ctx context.Context, name string) error {
	ctx, span := e.startSpan(ctx, "engine.gcp.Snapshot", name)
	defer span.End()

	op, err := e.instances.Stop(ctx, &computepb.StopInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err := e.wait(ctx, "stop instance", name, op, err); err != nil {
		return err
	}

	image := e.ImageName(name)
	op, err = e.images.Delete(ctx, &computepb.DeleteMachineImageRequest{
		Project:      e.cfg.Project,
		MachineImage: image,
	})
	if err := e.wait(ctx, "delete machine image", image, op, err); err != nil && !isNotFound(err) {
		return err
	}

	op, err = e.images.Insert(ctx, &computepb.InsertMachineImageRequest{
		Project: e.cfg.Project,
		MachineImageResource: &computepb.MachineImage{
			Name:           proto.String(image),
			SourceInstance: proto.String(e.instanceURL(name)),
		},
	})
	if err := e.wait(ctx, "insert machine image", image, op, err); err != nil {
		return err
	}

	e.logger.Info("baseline machine image created",
		slog.String("name", name),
		slog.String("image", image),
	)
	return nil
}

// Restore recreates the instance from its machine image. The new
// instance comes up running.
func (e *Engine) Restore(ctx context.Context, name string) error {
	ctx, span := e.startSpan(ctx, "engine.gcp.Restore", name)
	defer span.End()

	op, err := e.instances.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: name,
	})
	if err := e.wait(ctx, "delete instance", name, op, err); err != nil {
		// Not found: a previous Restore died between delete and insert.
		if !isNotFound(err) {
			return err
		}
		span.AddEvent("instance already deleted")
	}

	op, err = e.instances.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:            e.cfg.Project,
		Zone:               e.cfg.Zone,
		SourceMachineImage: proto.String(e.imageURL(name)),
		InstanceResource: &computepb.Instance{
			Name: proto.String(name),
		},
	})
	if err := e.wait(ctx, "insert instance", name, op, err); err != nil {
		return err
	}

	e.logger.Info("instance restored from baseline",
		slog.String("name", name),
		slog.String("image", e.ImageName(name)),
	)
	return nil
}

// Close releases the API clients.
func (e *Engine) Close() error {
	return errors.Join(e.instances.Close(), e.images.Close())
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (e *Engine) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	ctx, span := e.tracer.Start(ctx, op)
	span.SetAttributes(
		attribute.String("gcp.instance_name", name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)
	return ctx, span
}

// wait finishes a long-running operation started with result (op, err).
func (e *Engine) wait(ctx context.Context, what, name string, op operationWaiter, err error) error {
	span := trace.SpanFromContext(ctx)
	if err == nil {
		span.AddEvent("waiting for GCP operation", trace.WithAttributes(attribute.String("operation", what)))
		err = op.Wait(ctx)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, what)
		return fmt.Errorf("%s %s: %w", what, name, err)
	}
	return nil
}

func (e *Engine) machine(inst *computepb.Instance) engine.Machine {
	m := engine.Machine{
		Name:  inst.GetName(),
		State: engine.ParseState(inst.GetStatus()),
	}
	if nics := inst.GetNetworkInterfaces(); len(nics) > 0 {
		m.IP = nics[0].GetNetworkIP()
		if e.cfg.PublicIP {
			m.IP = ""
			if acs := nics[0].GetAccessConfigs(); len(acs) > 0 {
				m.IP = acs[0].GetNatIP()
			}
		}
	}
	return m
}

func (e *Engine) hasImage(ctx context.Context, name string) (bool, error) {
	_, err := e.images.Get(ctx, &computepb.GetMachineImageRequest{
		Project:      e.cfg.Project,
		MachineImage: e.ImageName(name),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("get machine image %s: %w", e.ImageName(name), err)
	}
	return true, nil
}

func (e *Engine) instanceURL(name string) string {
	return fmt.Sprintf("projects/%s/zones/%s/instances/%s", e.cfg.Project, e.cfg.Zone, name)
}

func (e *Engine) imageURL(name string) string {
	return fmt.Sprintf("projects/%s/global/machineImages/%s", e.cfg.Project, e.ImageName(name))
}

// isNotFound reports whether err is a "not found" (404) error from the
// GCP API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return true
	}
	return contains404Pattern(err.Error())
}

// contains404Pattern checks for common 404 patterns in GCP error strings.
func contains404Pattern(s string) bool {
	// googleapi.Error formats as "googleapi: Error 404: ..."
	// gRPC status formats as "code = NotFound"
	for _, pattern := range []string{
		"Error 404",
		"code = NotFound",
		"notFound",
	} {
		if strings.Contains(s, pattern) {
			return true
		}
	}
	return false
}
