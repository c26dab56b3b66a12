// Copyright (c) 2016 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	sigar "github.com/cloudfoundry/gosigar"
	log "github.com/golang/glog"

	"github.com/westerndigitalcorporation/rtdb/internal/migration"
	"github.com/westerndigitalcorporation/rtdb/internal/observable"
	"github.com/westerndigitalcorporation/rtdb/internal/schema"
)

const statusTemplateStr = `
<!doctype html>
<html lang="en">
<head>
  <title>rtdb status</title>
  <style>
    caption {
      caption-side: top;
      text-align: left;
      font-weight: bold;
    }
    table.status {
      border-collapse: collapse;
    }
    table.status td {
      border: 1px solid #DDD;
      text-align: left;
      padding-left: 8px;
      padding-right: 8px;
      padding-top: 4px;
      padding-bottom: 4px;
    }
    table.status th {
      border: 1px solid #DDD;
      text-align: left;
      padding: 8px;
      background-color: #009900;
      color: white;
    }
    table.status tr:nth-child(even) {background-color: #F2F2F2;}
    table.status tr:hover {background-color: #DDD;}

    table.obs th {
      background-color: #3399FF;
    }
  </style>
</head>

<body>

<h3>rtdb</h3>

<table>
  <tr>
    <td>Address:</td>
    <td><a href="http://{{.Cfg.Addr}}">{{.Cfg.Addr}}</a></td>
  </tr>
  <tr>
    <td>Store:</td>
    <td>{{.Cfg.Store.Engine}} {{.Cfg.Store.Path}}</td>
  </tr>
  <tr>
    <td>Schema:</td>
    <td><a href="/migrate">{{printf "%016x" .Checksum}}</a>{{if .Migrating}} (migrating){{end}}</td>
  </tr>
  <tr>
    <td>Free memory:</td>
    <td>{{byteToMB .FreeMem}} / {{byteToMB .TotalMem}} mb</td>
  </tr>
  <tr>
    <td>Last reboot:</td>
    <td>{{.Reboot}}</td>
  </tr>
</table>

<br>
<table class="status">
  <caption>Types</caption>
  <tr>
    <th>Name</th>
    <th>ID</th>
    <th>Prefix</th>
    <th>Props</th>
    <th>Main length</th>
  </tr>
  {{range .Types}}
  <tr>
    <td>{{.Name}}</td>
    <td>{{.ID}}</td>
    <td>{{.Prefix}}</td>
    <td>{{len .Props}}</td>
    <td>{{.MainLen}}</td>
  </tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>Service RPC Metrics</caption>
  <tr>
    <th>Metric</th>
    <th>Stats</th>
  </tr>
  {{range $k, $v := .SrvRPC}}
  <tr>
    <td>{{$k}}</td>
    <td>{{$v}}</td>
  </tr>
  {{end}}
</table>

<br>
<table class="status">
  <caption>Workers</caption>
  <tr>
    <th>Name</th>
    <th>State</th>
    <th>Parked</th>
    <th>Parks / Resumes</th>
  </tr>
  {{range .Workers}}
  <tr>
    <td>{{.Name}}</td>
    <td>{{.State}}</td>
    <td>{{.Parked}}</td>
    <td>{{.Parks}} / {{.Resumes}}</td>
  </tr>
  {{end}}
</table>

<br>
<table class="status obs">
  <caption>Observables</caption>
  <tr>
    <th>Fingerprint</th>
    <th>Name</th>
    <th>Subscribers</th>
    <th>Checksum</th>
    <th>Evaluating</th>
    <th>Error</th>
  </tr>
  {{range .Observables}}
  <tr>
    <td>{{printf "%016x" .Fingerprint}}</td>
    <td>{{.Name}}</td>
    <td>{{.Subscribers}}</td>
    <td>{{printf "%08x" .Checksum}}</td>
    <td>{{.Evaluating}}</td>
    <td>{{.Err}}</td>
  </tr>
  {{end}}
</table>

<br>
status update time: {{.Now}}
</body>
</html>
`

// StatusData includes server status info.
type StatusData struct {
	Cfg       Config
	Checksum  uint64
	Migrating bool
	FreeMem   uint64
	TotalMem  uint64

	Types       []*schema.TypeDef
	Workers     []migration.WorkerStats
	Observables []observable.Stats

	Reboot time.Time
	SrvRPC map[string]string
	Now    time.Time
}

// Convert bytes into mbs.
func byteToMB(in uint64) uint64 {
	return in / 1024 / 1024
}

var (
	// When was the last reboot?
	reboot = time.Now()

	funcMap = template.FuncMap{"byteToMB": byteToMB}

	statusTemplate = template.Must(template.New("status_html").Funcs(funcMap).Parse(statusTemplateStr))
)

// statusHandler serves the status page, as json if the "Accept" header asks
// for "application/json" and html otherwise.
func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Header.Get("Accept") == "application/json" {
		s.handleJSON(w)
	} else {
		s.handleHTML(w)
	}
}

func (s *Server) genStatus() StatusData {
	mem := sigar.Mem{}
	if err := mem.Get(); nil != err {
		log.Errorf("failed to get memory info: %s", err)
		mem.ActualFree = 0
		mem.Total = 0
	}

	sch := s.db.Schema()
	return StatusData{
		Cfg:         *s.cfg,
		Checksum:    sch.Checksum(),
		Migrating:   s.db.Coordinator().Migrating(),
		FreeMem:     mem.ActualFree,
		TotalMem:    mem.Total,
		Types:       sch.Types,
		Workers:     s.db.Coordinator().Stats(),
		Observables: s.db.Observables().Stats(),
		Reboot:      reboot,
		SrvRPC:      s.srvHandler.rpcStats(),
		Now:         time.Now(),
	}
}

func (s *Server) handleHTML(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := statusTemplate.Execute(&b, s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode html status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "text/html")
	w.Write(b.Bytes())
}

func (s *Server) handleJSON(w http.ResponseWriter) {
	var b bytes.Buffer
	if err := json.NewEncoder(&b).Encode(s.genStatus()); err != nil {
		e := fmt.Sprintf("failed to encode json status data: %s", err)
		log.Errorf(e)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(e))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(b.Bytes())
}
