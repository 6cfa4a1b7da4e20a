package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lifeflow/internal/compiler"
	"github.com/roach88/lifeflow/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationStats holds summary statistics.
type CompilationStats struct {
	NodeCount      int
	EdgeCount      int
	SlotEdgeCount  int
	StableRegion   int
	PatchCount     int
	SystemGatesMet bool
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <document>",
		Short: "Compile a workflow document to its effective DAG",
		Long: `Compile an envelope and its slot patches into the effective workflow.

The document may be CUE, YAML or JSON (by extension), or a directory
holding a CUE package. The output is the compiled workflow with its
topological order, join requirements and content hash.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file path")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	doc, compiled, err := compileDocument(formatter, path, ExitCommandError)
	if err != nil {
		return err
	}

	if opts.Output != "" {
		if err := writeCompiledToFile(compiled, opts.Output); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return outputCompileSuccess(formatter, compiled, calculateStats(doc, compiled), opts.Output)
}

// compileDocument loads and compiles path, reporting failures through
// formatter with exitCode.
func compileDocument(formatter *OutputFormatter, path string, exitCode int) (*compiler.Document, *ir.CompiledWorkflow, error) {
	doc, err := compiler.LoadDocument(path)
	if err != nil {
		code := ErrCodeLoadFailed
		if errors.Is(err, os.ErrNotExist) {
			code = ErrCodeNotFound
		}
		return nil, nil, formatter.Fail(ExitCommandError, code, err.Error(), nil)
	}
	formatter.VerboseLog("Loaded envelope %s with %d patch(es)", doc.Envelope.ID, len(doc.Patches))

	compiled, err := doc.Compile()
	if err != nil {
		return nil, nil, outputCompileErrors(formatter, err, exitCode)
	}
	formatter.VerboseLog("Compiled %s, hash %s", compiled.DefinitionID, compiled.Hash)
	return doc, compiled, nil
}

// calculateStats computes summary statistics for a compiled workflow.
func calculateStats(doc *compiler.Document, compiled *ir.CompiledWorkflow) CompilationStats {
	stats := CompilationStats{
		NodeCount:      len(compiled.Nodes),
		EdgeCount:      len(compiled.Edges),
		StableRegion:   len(compiled.StableRegionNodes),
		PatchCount:     len(doc.Patches),
		SystemGatesMet: compiled.SystemGates.Valid,
	}
	for _, e := range compiled.Edges {
		if e.Provenance != ir.ProvenanceEnvelope {
			stats.SlotEdgeCount++
		}
	}
	return stats
}

func outputCompileSuccess(formatter *OutputFormatter, compiled *ir.CompiledWorkflow, stats CompilationStats, outputFile string) error {
	if formatter.JSON() {
		return formatter.Success(compiled)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled workflow %s v%d (%s)\n\n", compiled.DefinitionID, compiled.Version, compiled.EntityType)
	fmt.Fprintf(w, "  nodes:   %d\n", stats.NodeCount)
	fmt.Fprintf(w, "  edges:   %d (%d from patches)\n", stats.EdgeCount, stats.SlotEdgeCount)
	fmt.Fprintf(w, "  patches: %d\n", stats.PatchCount)
	fmt.Fprintf(w, "  stable:  %d node(s)\n", stats.StableRegion)
	fmt.Fprintf(w, "  hash:    %s\n", compiled.Hash)
	fmt.Fprintf(w, "  order:   %s\n", strings.Join(compiled.TopologicalOrder, " → "))
	if !stats.SystemGatesMet {
		fmt.Fprintf(w, "  missing system gates: %s\n", strings.Join(compiled.SystemGates.Missing, ", "))
	}

	if outputFile != "" {
		fmt.Fprintf(w, "\nWrote compiled workflow to %s\n", outputFile)
	}
	return nil
}

// outputCompileErrors reports every compile error. Errors that are not
// CompileErrors are reported as a single generic failure.
func outputCompileErrors(formatter *OutputFormatter, err error, exitCode int) error {
	var errs compiler.CompileErrors
	if !errors.As(err, &errs) {
		return formatter.Fail(exitCode, ErrCodeCompileFailed, err.Error(), nil)
	}

	if formatter.JSON() {
		cliErrors := make([]CLIError, len(errs))
		for i, ve := range errs {
			cliErrors[i] = CLIError{Code: ve.Code, Message: ve.Message, Details: ve.Field}
		}
		response := CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: ErrCodeCompileFailed, Message: errs.Error()},
			Data:   cliErrors,
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(exitCode, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Compilation failed")
	fmt.Fprintln(formatter.Writer)
	for _, ve := range errs {
		if ve.Field != "" {
			fmt.Fprintf(formatter.Writer, "  %s %s: %s\n", ve.Code, ve.Field, ve.Message)
			continue
		}
		fmt.Fprintf(formatter.Writer, "  %s %s\n", ve.Code, ve.Message)
	}
	return NewExitError(exitCode, fmt.Sprintf("compilation failed with %d error(s)", len(errs)))
}

// writeCompiledToFile writes the compiled workflow as indented JSON. The
// canonical form is only used for hashing.
func writeCompiledToFile(compiled *ir.CompiledWorkflow, filename string) error {
	data, err := json.MarshalIndent(compiled, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	return nil
}
