package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"

	"github.com/smazurov/edgeprobe/internal/accel"
	"github.com/smazurov/edgeprobe/internal/events"
)

// grayLevel fills the dummy input frame.
const grayLevel = 128

// errUsage is returned when infer runs without a model.
var errUsage = errors.New("usage: infer <model>")

// CreateInferCmd creates the infer command.
func CreateInferCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "infer <model>",
		Short: "Load a model and run one inference",
		Long: `Loads a compiled model, configures the accelerator for it, opens its input and output streams, ` +
			`writes one gray frame and reads every output. Stream shapes come from a <model>.toml sidecar when present.`,
		Args: cobra.MaximumNArgs(1),
		Run: humacli.WithOptions(func(c *cobra.Command, args []string, opts *Options) {
			code := run(c, opts, failureExit, func(a *app) error {
				return a.infer(c.Context(), args)
			})
			if code != 0 {
				os.Exit(code)
			}
		}),
	}
}

func (a *app) infer(ctx context.Context, args []string) error {
	if len(args) != 1 {
		a.println("Usage: edgeprobe infer <model>")
		a.println("\nLoads a compiled model and runs a single inference on a gray frame.")
		a.println("Stream shapes are read from <model>.toml next to the model when it exists.")
		return errUsage
	}
	modelPath := args[0]

	if info, err := os.Stat(modelPath); err != nil || info.IsDir() {
		a.errorf("Error: Cannot open model file: %s\n", modelPath)
		return fmt.Errorf("cannot open model %s", modelPath)
	}

	a.println("Accelerator Inference Example")
	a.println("=============================")
	a.printf("Model: %s\n", modelPath)

	a.println("\n1. Creating runtime...")
	rt, err := a.newRuntime()
	if err != nil {
		a.errorf("Failed to create runtime: %s\n", statusText(err))
		return err
	}
	defer closeRuntime(a.logger, rt)
	a.println("✓ Runtime created successfully")

	a.println("\n2. Loading model...")
	model, err := rt.LoadModel(modelPath)
	if err != nil {
		a.errorf("Failed to load model: %s\n", statusText(err))
		return err
	}
	a.println("✓ Model loaded successfully")

	a.println("\n3. Configuring device for model...")
	groups, err := rt.Configure(ctx, model)
	if err != nil {
		a.errorf("Failed to configure network groups: %s\n", statusText(err))
		return err
	}
	if len(groups) == 0 {
		a.errorf("No network groups found in model\n")
		return accel.NewError(accel.StatusInvalidModel, "configure", "model has no network groups")
	}
	group := groups[0]
	a.printf("✓ Device configured with %d network group(s)\n", len(groups))

	a.println("\n4. Creating input/output streams...")
	inputs, outputs := group.Inputs(), group.Outputs()
	if len(inputs) == 0 || len(outputs) == 0 {
		a.errorf("Network group %s has no input or output streams\n", group.Name())
		return accel.NewError(accel.StatusInvalidModel, "streams", "network group "+group.Name()+" has no streams")
	}
	a.printf("✓ Created %d input stream(s)\n", len(inputs))
	a.printf("✓ Created %d output stream(s)\n", len(outputs))

	a.println("\n5. Model Information:")
	for i, s := range inputs {
		a.printf("Input %d: %s [%s]\n", i, s.Info().Name, s.Info().Shape)
	}
	for i, s := range outputs {
		a.printf("Output %d: %s [%s]\n", i, s.Info().Name, s.Info().Shape)
	}

	a.println("\n6. Preparing input data...")
	input := bytes.Repeat([]byte{grayLevel}, inputs[0].Info().Shape.Size())
	a.printf("✓ Prepared %d bytes of input data\n", len(input))

	a.println("\n7. Preparing output buffers...")
	results := make([][]byte, len(outputs))
	for i, s := range outputs {
		results[i] = make([]byte, s.Info().Shape.Size())
		a.printf("✓ Prepared %d bytes for output: %s\n", len(results[i]), s.Info().Name)
	}

	a.println("\n8. Running inference...")
	start := time.Now()
	err = a.runInference(ctx, inputs[0], outputs, input, results)
	latency := time.Since(start)
	a.publishInference(group.Name(), len(input), results, latency, err)
	if err != nil {
		return err
	}
	a.println("✓ Inference completed successfully!")
	a.printf("✓ Inference time: %d ms\n", latency.Milliseconds())

	a.println("\n9. Results Summary:")
	for i, buf := range results {
		a.printf("Output %d (%s): %d bytes\n", i, outputs[i].Info().Name, len(buf))
		a.printf("  First 8 values: %s\n", firstValues(buf, 8))
	}

	a.println("\n🎉 Inference example completed successfully!")
	a.println("\nNext steps:")
	a.println("- Replace the gray frame with real image data")
	a.println("- Parse the outputs for your model type")
	a.println("- Run camera-test --accel-model to feed camera frames through the model")
	return nil
}

func (a *app) runInference(ctx context.Context, in accel.InputStream, outs []accel.OutputStream, input []byte, results [][]byte) error {
	if err := in.Write(ctx, input); err != nil {
		a.errorf("Failed to write input data: %s\n", statusText(err))
		return err
	}
	for i, out := range outs {
		if err := out.Read(ctx, results[i]); err != nil {
			a.errorf("Failed to read output data from stream %d: %s\n", i, statusText(err))
			return err
		}
	}
	return nil
}

func (a *app) publishInference(group string, inputBytes int, results [][]byte, latency time.Duration, err error) {
	ev := events.InferenceCompletedEvent{
		NetworkGroup: group,
		InputBytes:   inputBytes,
		Latency:      latency,
		Timestamp:    time.Now(),
	}
	for _, r := range results {
		ev.OutputBytes += len(r)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	a.bus.Publish(ev)
}

func firstValues(buf []byte, n int) string {
	n = min(n, len(buf))
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprint(buf[i])
	}
	return strings.Join(parts, " ")
}
