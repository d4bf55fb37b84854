/* ippd - IPP gateway to the printerd D-Bus service
 *
 * Copyright (C) 2020 and up by Alexander Pevzner (pzz@apevzner.com)
 * See LICENSE for license terms and conditions
 *
 * ippd status support
 */

package main

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Status represents ippd daemon status
type Status struct {
	Version  string             `json:"version"`
	PID      int                `json:"pid"`
	Listen   string             `json:"listen"`
	Backend  string             `json:"backend"`
	Counters map[string]float64 `json:"counters"`
	Printers []StatusPrinter    `json:"printers"`
	Orphans  []StatusJob        `json:"orphan_jobs,omitempty"`
}

// StatusPrinter represents a status of the particular printer
type StatusPrinter struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	URI       string      `json:"uri"`
	DeviceURI string      `json:"device_uri,omitempty"`
	DNSSdName string      `json:"dnssd_name,omitempty"`
	State     string      `json:"state"`
	Accepting bool        `json:"accepting_jobs"`
	Jobs      []StatusJob `json:"jobs,omitempty"`
}

// StatusJob represents a status of the particular job
type StatusJob struct {
	ID    uint32 `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// StatusProvider collects status of the running daemon
type StatusProvider struct {
	Listen  string                   // Listening address
	Backend func() bool              // Reports printerd connection state
	Table   *ViewTable               // Printers and jobs
	DNSSd   func() map[string]string // Published DNS-SD names, by printer ID
}

// Collect collects the current status
func (sp *StatusProvider) Collect() Status {
	st := Status{
		Version: Version,
		PID:     os.Getpid(),
		Listen:  sp.Listen,
		Backend: "disconnected",
	}

	if sp.Backend != nil && sp.Backend() {
		st.Backend = "connected"
	}

	st.Counters, _ = Metrics.Gather()

	if sp.Table == nil {
		return st
	}

	var dnssdNames map[string]string
	if sp.DNSSd != nil {
		dnssdNames = sp.DNSSd()
	}

	snap := sp.Table.Snapshot()
	for _, ent := range snap.Printers {
		p := StatusPrinter{
			Name:      ent.Printer.Name,
			State:     ent.Printer.State.String(),
			Accepting: ent.Printer.IsAcceptingJobs,
		}

		if addr, err := PrinterAddressFromPath(ent.Printer.Path); err == nil {
			p.ID = addr.ID()
			p.URI = addr.URI()
			p.DNSSdName = dnssdNames[p.ID]
		}

		if len(ent.Printer.DeviceURIs) != 0 {
			p.DeviceURI = ent.Printer.DeviceURIs[0]
		}

		for _, job := range ent.Jobs {
			p.Jobs = append(p.Jobs, statusJob(job))
		}

		st.Printers = append(st.Printers, p)
	}

	for _, job := range snap.Orphans {
		st.Orphans = append(st.Orphans, statusJob(job))
	}

	return st
}

// statusJob converts JobView into StatusJob
func statusJob(job JobView) StatusJob {
	return StatusJob{ID: job.ID, Name: job.Name, State: job.State.String()}
}

// StatusFormat formats ippd status as a text
func StatusFormat(st Status) []byte {
	buf := &bytes.Buffer{}

	// If we are here, daemon is definitely running :-)
	fmt.Fprintf(buf, "ippd daemon %s: running (pid %d)\n", st.Version, st.PID)
	fmt.Fprintf(buf, "listening at: %s\n", st.Listen)
	fmt.Fprintf(buf, "printerd: %s\n", st.Backend)

	if len(st.Counters) != 0 {
		buf.WriteString("counters:\n")
		names := make([]string, 0, len(st.Counters))
		for name := range st.Counters {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			fmt.Fprintf(buf, "  %-40s %g\n", name, st.Counters[name])
		}
	}

	buf.WriteString("printers:")
	if len(st.Printers) == 0 {
		buf.WriteString(" not found\n")
	} else {
		buf.WriteString("\n")
		fmt.Fprintf(buf, " Num  ID                State       Name\n")
		for i, p := range st.Printers {
			fmt.Fprintf(buf, " %3d. %-17s %-11s %q\n", i+1, p.ID, p.State, p.Name)
			fmt.Fprintf(buf, "      uri:    %s\n", p.URI)
			if p.DeviceURI != "" {
				fmt.Fprintf(buf, "      device: %s\n", p.DeviceURI)
			}
			if p.DNSSdName != "" {
				fmt.Fprintf(buf, "      dns-sd: %q\n", p.DNSSdName)
			}
			for _, job := range p.Jobs {
				fmt.Fprintf(buf, "      job %d: %s %q\n", job.ID, job.State, job.Name)
			}
		}
	}

	if len(st.Orphans) != 0 {
		buf.WriteString("jobs of unknown printers:\n")
		for _, job := range st.Orphans {
			fmt.Fprintf(buf, "      job %d: %s %q\n", job.ID, job.State, job.Name)
		}
	}

	return buf.Bytes()
}

// StatusFormatJSON formats ippd status as JSON
func StatusFormatJSON(st Status) ([]byte, error) {
	json := jsoniter.ConfigCompatibleWithStandardLibrary
	return json.MarshalIndent(st, "", "  ")
}

// StatusRetrieve connects to the running ippd daemon, retrieves
// its status and returns retrieved status as a printable text
// or JSON, depending on format
func StatusRetrieve(format string) ([]byte, error) {
	t := &http.Transport{
		Dial: func(network, addr string) (net.Conn, error) {
			return CtrlsockDial()
		},
	}

	c := &http.Client{
		Transport: t,
	}

	url := "http://localhost/status"
	if format != "" {
		url += "?format=" + format
	}

	rsp, err := c.Get(url)
	if err != nil {
		return nil, err
	}

	defer rsp.Body.Close()

	data, err := io.ReadAll(rsp.Body)
	if err == nil && rsp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%s: %s", rsp.Status,
			strings.TrimSpace(string(data)))
	}

	return data, err
}
