// Package dash is a thin, read-only operator dashboard (S7): it never talks
// to a venue or the risk ledger directly, only to the event bus, so a
// dashboard crash or a slow browser tab can never affect the trading path.
package dash

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kb-331/vrsc-arb/internal/domain"
	"github.com/kb-331/vrsc-arb/internal/eventbus"
)

// VenueRow is the latest known state of one venue.
type VenueRow struct {
	Venue   string  `json:"venue"`
	Mid     float64 `json:"mid"`
	Circuit string  `json:"circuit"`
	TS      int64   `json:"ts"`
}

// OpportunityRow is the most recently detected candidate.
type OpportunityRow struct {
	BuyVenue  string  `json:"buyVenue"`
	SellVenue string  `json:"sellVenue"`
	SpreadPct float64 `json:"spreadPct"`
	EstNet    float64 `json:"estNet"`
	TS        int64   `json:"ts"`
}

// ExecutionRow is the most recently observed execution stage transition.
type ExecutionRow struct {
	ExecutionID string `json:"executionId"`
	Stage       string `json:"stage"`
	Reason      string `json:"reason"`
	TS          int64  `json:"ts"`
}

// Snapshot is what /api/dash serves.
type Snapshot struct {
	Venues       []VenueRow      `json:"venues"`
	Opportunity  *OpportunityRow `json:"opportunity,omitempty"`
	LastExecution *ExecutionRow  `json:"lastExecution,omitempty"`
}

// Dashboard accumulates the latest bus events into a servable snapshot.
type Dashboard struct {
	mu     sync.RWMutex
	venues map[domain.VenueID]VenueRow
	opp    *OpportunityRow
	exec   *ExecutionRow
	log    *zap.Logger
}

// New constructs an empty Dashboard.
func New(log *zap.Logger) *Dashboard {
	return &Dashboard{venues: make(map[domain.VenueID]VenueRow), log: log}
}

// Run subscribes to bus and updates the snapshot until ctx is cancelled.
func (d *Dashboard) Run(ctx context.Context, bus *eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.apply(ev)
		}
	}
}

func (d *Dashboard) apply(ev eventbus.Event) {
	ts := ev.TS.UnixMilli()
	switch ev.Kind {
	case eventbus.KindTick:
		if ev.Tick == nil {
			return
		}
		d.mu.Lock()
		row := d.venues[ev.Venue]
		row.Venue = string(ev.Venue)
		mid, _ := ev.Tick.Price.Float64()
		row.Mid = mid
		row.TS = ts
		d.venues[ev.Venue] = row
		d.mu.Unlock()

	case eventbus.KindCircuitOpen, eventbus.KindCircuitHalfOpen, eventbus.KindCircuitClosed:
		d.mu.Lock()
		row := d.venues[ev.Venue]
		row.Venue = string(ev.Venue)
		row.Circuit = circuitLabel(ev.Kind)
		row.TS = ts
		d.venues[ev.Venue] = row
		d.mu.Unlock()

	case eventbus.KindOpportunity:
		if ev.Opportunity == nil {
			return
		}
		spread, _ := ev.Opportunity.SpreadPct.Float64()
		net, _ := ev.Opportunity.EstNet.Float64()
		d.mu.Lock()
		d.opp = &OpportunityRow{
			BuyVenue:  string(ev.Opportunity.BuyVenue),
			SellVenue: string(ev.Opportunity.SellVenue),
			SpreadPct: spread,
			EstNet:    net,
			TS:        ts,
		}
		d.mu.Unlock()

	case eventbus.KindExecutionStarted, eventbus.KindStageStarted, eventbus.KindStageCompleted,
		eventbus.KindStageTimeout, eventbus.KindSettlementCompleted, eventbus.KindSettlementFailed:
		d.mu.Lock()
		d.exec = &ExecutionRow{ExecutionID: ev.ExecutionID, Stage: ev.Stage, Reason: ev.Reason, TS: ts}
		d.mu.Unlock()
	}
}

func circuitLabel(k eventbus.Kind) string {
	switch k {
	case eventbus.KindCircuitOpen:
		return "open"
	case eventbus.KindCircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Snapshot returns the current dashboard state sorted by venue name.
func (d *Dashboard) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows := make([]VenueRow, 0, len(d.venues))
	for _, r := range d.venues {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Venue < rows[j].Venue })
	return Snapshot{Venues: rows, Opportunity: d.opp, LastExecution: d.exec}
}

// StartHTTP serves the JSON snapshot and a minimal live view until ctx is
// cancelled.
func StartHTTP(ctx context.Context, d *Dashboard, addr string, log *zap.Logger) {
	if addr == "" {
		log.Info("dashboard disabled: empty addr")
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/dash", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(d.Snapshot())
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, indexHTML)
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() { <-ctx.Done(); _ = srv.Close() }()

	log.Info("dashboard listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !strings.Contains(err.Error(), "Server closed") {
		log.Error("dashboard http server error", zap.Error(err))
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

const indexHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <meta name="viewport" content="width=device-width, initial-scale=1"/>
  <title>Arbitrage Monitor</title>
  <style>
    :root { --bg:#f8fafc; --card:#fff; --muted:#6b7280; --chip:#e5e7eb; }
    body{margin:0;background:var(--bg);font:14px/1.4 ui-sans-serif,system-ui,-apple-system,Segoe UI,Roboto,Ubuntu; color:#111827;}
    .wrap{max-width:1080px;margin:24px auto;padding:0 16px;}
    .hdr{display:flex;align-items:flex-end;justify-content:space-between;margin-bottom:12px;}
    .state{font-size:12px;padding:2px 8px;border-radius:999px;background:#d1fae5;color:#065f46;}
    table{width:100%;border-collapse:collapse;background:var(--card);border-radius:16px;overflow:hidden;box-shadow:0 10px 30px rgba(0,0,0,.06);margin-bottom:16px;}
    thead{background:#f3f4f6;} th,td{padding:12px 14px;text-align:left;} tbody tr{border-top:1px solid #f3f4f6;}
    .chip{display:inline-block;font-size:12px;padding:2px 8px;background:var(--chip);border-radius:999px;color:#374151;}
    .chip.open{background:#fee2e2;color:#991b1b;} .chip.half_open{background:#fef9c3;color:#854d0e;} .chip.closed{background:#dcfce7;color:#166534;}
    .sub{color:var(--muted);font-size:12px;margin:0 0 8px;}
  </style>
</head>
<body>
<div class="wrap">
  <div class="hdr">
    <div>
      <h1 style="margin:0;font-size:22px;font-weight:600">Arbitrage Monitor</h1>
      <p class="sub">cross-venue spread and execution status</p>
    </div>
    <div id="state" class="state">live</div>
  </div>
  <table>
    <thead><tr><th>Venue</th><th>Mid</th><th>Circuit</th><th style="text-align:right">Updated</th></tr></thead>
    <tbody id="venues"></tbody>
  </table>
  <p class="sub">Latest opportunity</p>
  <table><tbody id="opp"></tbody></table>
  <p class="sub">Last execution event</p>
  <table><tbody id="exec"></tbody></table>
</div>
<script>
  function ts(t){ return t ? new Date(t).toLocaleTimeString() : '—'; }
  async function tick(){
    try{
      var res = await fetch('/api/dash', {cache:'no-store'});
      if(!res.ok) throw new Error('status '+res.status);
      var d = await res.json();
      document.getElementById('state').textContent = 'live';
      document.getElementById('venues').innerHTML = (d.venues||[]).map(function(r){
        return '<tr><td>'+r.venue+'</td><td>'+r.mid+'</td>'
          + '<td><span class="chip '+(r.circuit||'closed')+'">'+(r.circuit||'closed')+'</span></td>'
          + '<td style="text-align:right;color:#6B7280;font-size:12px">'+ts(r.ts)+'</td></tr>';
      }).join('');
      var o = d.opportunity;
      document.getElementById('opp').innerHTML = o
        ? '<tr><td>'+o.buyVenue+' → '+o.sellVenue+'</td><td>'+(o.spreadPct*100).toFixed(3)+'%</td><td>'+o.estNet.toFixed(4)+'</td><td style="text-align:right;color:#6B7280;font-size:12px">'+ts(o.ts)+'</td></tr>'
        : '<tr><td class="sub">none yet</td></tr>';
      var e = d.lastExecution;
      document.getElementById('exec').innerHTML = e
        ? '<tr><td>'+e.executionId+'</td><td>'+e.stage+'</td><td>'+(e.reason||'')+'</td><td style="text-align:right;color:#6B7280;font-size:12px">'+ts(e.ts)+'</td></tr>'
        : '<tr><td class="sub">none yet</td></tr>';
    }catch(e){
      document.getElementById('state').textContent = 'demo';
    }
  }
  tick(); setInterval(tick, 1000);
</script>
</body>
</html>`
