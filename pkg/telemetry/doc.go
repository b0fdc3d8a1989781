// Package telemetry provides logging, tracing, metrics and timeline events
// for deployments.
//
// Logging is structured with zerolog. Every Telemetry instance writes its
// log output through a Redactor, and the deployment engine tracks each
// secret output as it resolves, so generated passwords, registry
// credentials and kubeconfigs never reach the log even when a provider
// echoes them back in an error message.
//
// Initialize telemetry once per process and attach it to the context:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Engine code then reaches everything through the context:
//
//	ctx = telemetry.WithRunContext(ctx, runID, stack)
//	telemetry.FromContext(ctx).Info("provisioning")
//	err := telemetry.RecordProviderOperation(ctx, "azure", "apply", call)
//
// Metrics are Prometheus collectors held in a private registry. They are
// served only when a listen address is configured (tstack up
// --metrics-addr). Tracing is off by default; the otlp exporter ships spans
// over gRPC.
package telemetry
