// Package process owns the OS processes behind debug sessions.
//
// A Supervisor starts processes from a Spec, wires their output streams to
// line handlers, keeps a bounded tail of stderr for launch diagnostics and
// reports every exit through a callback. It is the only component allowed to
// signal a process: callers hold the process id and a read-mostly *Process.
//
//	sup := process.NewSupervisor(process.WithProcessExitCallback(onExit))
//	defer sup.Shutdown(2 * time.Second)
//
//	proc, err := sup.Start(process.Spec{
//		Name:   "debugpy",
//		Path:   "python3",
//		Args:   []string{"-m", "debugpy.adapter"},
//		Stderr: func(line string) { log.Println(line) },
//	})
//
//	// SIGTERM, then SIGKILL after the grace period.
//	_ = sup.Stop(proc.ID(), time.Second)
package process
