/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * The main function
 */

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sync/errgroup"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, serving IPP requests on behalf
                  of printerd
    debug       - like standalone, but logs duplicated on console
    check       - check configuration and printerd connectivity
                  and exit
    status      - print ippd status and exit

Options are
    -json       - print status in JSON format (status mode only)
`

// RunMode represents the program run mode
type RunMode int

// Run modes:
//
//	RunStandalone - run forever, serving IPP requests
//	RunDebug      - logs duplicated on console
//	RunCheck      - check configuration and exit
//	RunStatus     - print ippd status and exit
const (
	RunDefault RunMode = iota
	RunStandalone
	RunDebug
	RunCheck
	RunStatus
)

// String returns RunMode name
func (m RunMode) String() string {
	switch m {
	case RunDefault:
		return "default"
	case RunStandalone:
		return "standalone"
	case RunDebug:
		return "debug"
	case RunCheck:
		return "check"
	case RunStatus:
		return "status"
	}

	return fmt.Sprintf("unknown (%d)", int(m))
}

// RunParameters represents the program run parameters
type RunParameters struct {
	Mode RunMode // Run mode
	JSON bool    // Status in JSON format
}

// usage prints detailed usage and exits
func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

// usageError prints usage error and exits
func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}

	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

// parseArgv parses program parameters. In a case of usage error,
// it prints a error message and exits
func parseArgv(args []string) (params RunParameters) {
	// For now, default mode is debug mode. It may change in a future
	params.Mode = RunDebug

	modes := 0
	for _, arg := range args {
		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.Mode = RunStandalone
			modes++
		case "debug":
			params.Mode = RunDebug
			modes++
		case "check":
			params.Mode = RunCheck
			modes++
		case "status":
			params.Mode = RunStatus
			modes++
		case "-json":
			params.JSON = true
		default:
			usageError("Invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("Conflicting run modes")
	}

	if params.JSON && params.Mode != RunStatus {
		usageError("-json is only valid in status mode")
	}

	return
}

// printStatus prints status of running ippd daemon, if any
func printStatus(jsonFormat bool) {
	format := ""
	if jsonFormat {
		format = "json"
	}

	text, err := StatusRetrieve(format)
	if err != nil {
		InitLog.Info(0, "%s", err)
		return
	}

	if jsonFormat {
		os.Stdout.Write(text)
		os.Stdout.Write([]byte("\n"))
		return
	}

	text = bytes.TrimRight(text, "\n")
	for _, line := range bytes.Split(text, []byte("\n")) {
		InitLog.Info(0, "%s", line)
	}
}

// checkBackend checks printerd connectivity and lists its
// printers and jobs
func checkBackend() {
	pd := NewPdClient(Conf.BackendBus, Conf.BackendTimeout)
	defer pd.Close()

	ctx := context.Background()
	printers, err := pd.ListPrinters(ctx)
	if err != nil {
		InitLog.Info(0, "Can't list printers: %s", err)
		return
	}

	if len(printers) == 0 {
		InitLog.Info(0, "printerd: no printers")
		return
	}

	// Collect jobs by printer
	jobs := make(map[dbus.ObjectPath][]*JobView)
	objects, err := pd.ManagedObjects(ctx)
	if err != nil {
		InitLog.Info(0, "Can't list jobs: %s", err)
	}

	for path, ifaces := range objects {
		if _, isJob := ifaces[pdIfaceJob]; !isJob {
			continue
		}

		job, err := pd.Job(ctx, path)
		if err == nil {
			jobs[job.Printer] = append(jobs[job.Printer], job)
		}
	}

	InitLog.Info(0, "printerd printers:")
	for i, path := range printers {
		addr, err := PrinterAddressFromPath(path)
		if err == nil {
			var view *PrinterView
			view, err = pd.Printer(ctx, path)
			if err == nil {
				InitLog.Info(0, " %3d. %s: %q, %s", i+1,
					addr.ID(), view.Name, view.State)
			}
		}

		if err != nil {
			InitLog.Info(0, " %3d. %s: %s", i+1, path, err)
			continue
		}

		for _, job := range jobs[path] {
			InitLog.Info(0, "      job %d: %s %q",
				job.ID, job.State, job.Name)
		}
	}
}

// The main function
func main() {
	params := parseArgv(os.Args[1:])

	// Load environment and configuration
	env, err := EnvLoad()
	InitLog.Check(err)

	err = ConfLoad(env.ConfDir)
	InitLog.Check(err)

	// Setup logging
	if params.Mode == RunStandalone {
		Console.ToNowhere()
	} else if Conf.ColorConsole {
		Console.ToColorConsole()
	}

	Log.SetLevels(Conf.LogMain)
	Log.SetRotation(Conf.LogMaxFileSize, Conf.LogMaxBackupFiles)
	Console.SetLevels(Conf.LogConsole)
	Log.Cc(Console)

	switch params.Mode {
	case RunCheck:
		// If we are here, configuration is OK
		InitLog.Info(0, "Configuration files: OK")
		checkBackend()
		os.Exit(0)

	case RunStatus:
		printStatus(params.JSON)
		os.Exit(0)
	}

	// Prevent multiple copies of ippd from being running
	// in a same time. Only system-wide instance is locked
	if os.Geteuid() == 0 {
		lock, err := DaemonLock(PathLockFile)
		if err == ErrLockIsBusy {
			InitLog.Exit(0, "ippd already running")
		}
		InitLog.Check(err)
		defer lock.Close()
	}

	Log.Info(' ', "===============================")
	Log.Info(' ', "ippd %s started in %q mode, pid=%d",
		Version, params.Mode, os.Getpid())
	defer Log.Info(' ', "ippd finished")

	// Close stdin/stdout/stderr, unless running in debug mode
	if params.Mode != RunDebug {
		err = CloseStdInOutErr()
		InitLog.Check(err)
	}

	err = run(env)
	if err != nil {
		Log.Exit('!', "%s", err)
	}
}

// run runs the daemon until SIGINT or SIGTERM
func run(env Environment) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to printerd
	pd := NewPdClient(Conf.BackendBus, Conf.BackendTimeout)
	defer pd.Close()

	if Conf.BackendAtStartup {
		err := pd.Connect()
		if err != nil {
			return err
		}
	}

	// Open listener
	l, err := NewListener(env, Conf.Port())
	if err != nil {
		return err
	}

	port := l.Port()
	AddrSetServer(Conf.ServerName, port)

	if env.SocketActivated() {
		Log.Info(' ', "HTTP: using socket from the service manager")
	}

	// Create components
	table := NewViewTable()
	watcher := NewPdWatcher(Conf.BackendBus, Conf.BackendTimeout, table)
	server := NewHTTPServer(NewIppDispatcher(pd), Conf.MaxRequestSize)
	status := &StatusProvider{
		Listen: l.Addr().String(),
		Backend: func() bool {
			return pd.Connected() || watcher.Connected()
		},
		Table: table,
	}

	var adv *DNSSdAdvertiser
	if Conf.DNSSdEnable {
		adv = NewDNSSdAdvertiser(table, port)
		status.DNSSd = adv.Published
	}

	// Run everything
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return HTTPServe(gctx, l, server)
	})

	g.Go(func() error {
		return watcher.Run(gctx)
	})

	g.Go(func() error {
		err := CtrlsockServe(gctx, status)
		if err != nil {
			Log.Error('!', "ctrlsock: %s", err)
		}
		return nil
	})

	if adv != nil {
		g.Go(func() error {
			return adv.Run(gctx)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		Log.Info(' ', "%s", ErrShutdown)
	}

	return err
}
