// Package converter implements the worker-side handlers for each task type.
//
// Native conversion is delegated to external commands described by argv
// templates in the [converter] config section; {input}, {inputs}, {output}
// and {outdir} are substituted before execution. Handlers returns the
// workerpool.Handler for a task type so the worker subcommand and in-process
// tests share one implementation.
package converter
