package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/relvacode/iso8601"
	"github.com/sirupsen/logrus"
)

const isoLayout = "2006-01-02T15:04:05"

type input struct {
	Channel int    `json:"channel"`
	Name    string `json:"name"`
	Type    string `json:"type"`
}

type output struct {
	Name  string `json:"name"`
	Units string `json:"units"`
}

type device struct {
	logger *logrus.Logger

	mac        string
	outOfRange bool
	epochBegin bool
	hideSolar  bool

	inputs  []input
	outputs []output
}

func main() {
	var port int
	d := &device{logger: logrus.New()}

	flag.IntVar(&port, "port", 8081, "http port")
	flag.StringVar(&d.mac, "mac", "A0:20:A6:00:11:22", "reported wifi mac address, empty to omit")
	flag.BoolVar(&d.outOfRange, "out-of-range", false, "report grid power beyond the accepted limits")
	flag.BoolVar(&d.epochBegin, "epoch-begin", false, "report accumulation begin at the epoch")
	flag.BoolVar(&d.hideSolar, "hide-solar", false, "drop the solar channel on odd minutes")
	flag.Parse()

	d.inputs = []input{
		{Channel: 0, Name: "Mains", Type: "VT"},
		{Channel: 1, Name: "Grid", Type: "CT"},
		{Channel: 2, Name: "Solar", Type: "CT"},
	}
	d.outputs = []output{{Name: "Consumption", Units: "Watts"}}

	router := mux.NewRouter()
	router.HandleFunc("/status", d.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/config.txt", d.handleConfig).Methods(http.MethodGet)
	router.HandleFunc("/query", d.handleQuery).Methods(http.MethodGet)

	addr := fmt.Sprintf(":%d", port)
	d.logger.Infof("Fake IoTaWatt listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		d.logger.Fatalf("Server failed: %v", err)
	}
}

func (d *device) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		d.logger.Errorf("Failed to write response: %v", err)
	}
}

func (d *device) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{}
	if r.URL.Query().Get("wifi") == "yes" && d.mac != "" {
		status["wifi"] = map[string]string{"mac": d.mac}
	}
	d.writeJSON(w, status)
}

func (d *device) handleConfig(w http.ResponseWriter, r *http.Request) {
	inputs := d.inputs
	if d.hideSolar && time.Now().Minute()%2 == 1 {
		inputs = inputs[:2]
	}
	d.writeJSON(w, map[string]interface{}{
		"inputs":  inputs,
		"outputs": d.outputs,
	})
}

// handleQuery answers a grouped query with a single row: the begin time and
// one value per selected series.
func (d *device) handleQuery(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	selectors := strings.Split(strings.Trim(query.Get("select"), "[]"), ",")
	if len(selectors) == 0 || selectors[0] != "time.iso" {
		http.Error(w, "select must start with time.iso", http.StatusBadRequest)
		return
	}

	now := time.Now()
	begin := d.resolveBegin(query.Get("begin"), now)
	hours := now.Sub(begin).Hours()

	row := make([]interface{}, 0, len(selectors))
	if d.epochBegin && !strings.HasPrefix(query.Get("begin"), "s-") {
		row = append(row, time.Unix(0, 0).UTC().Format(isoLayout))
	} else {
		row = append(row, begin.Format(isoLayout))
	}

	for _, selector := range selectors[1:] {
		source, unit, ok := strings.Cut(selector, ".")
		if !ok {
			http.Error(w, "invalid series "+selector, http.StatusBadRequest)
			return
		}
		row = append(row, d.value(source, unit, now, hours))
	}

	d.logger.Debugf("Query %s from %s: %v", query.Get("select"), begin.Format(isoLayout), row)
	d.writeJSON(w, [][]interface{}{row})
}

// resolveBegin understands the begin forms the bridge sends: "d" for the
// start of today, "s-<n>s" relative to now, or an ISO timestamp.
func (d *device) resolveBegin(begin string, now time.Time) time.Time {
	switch {
	case begin == "d":
		y, m, day := now.Date()
		return time.Date(y, m, day, 0, 0, 0, 0, now.Location())
	case strings.HasPrefix(begin, "s-"):
		offset, err := time.ParseDuration(strings.TrimPrefix(begin, "s-"))
		if err == nil {
			return now.Add(-offset)
		}
	default:
		if t, err := iso8601.ParseString(begin); err == nil {
			return t
		}
	}
	return now
}

func (d *device) power(source string, now time.Time) float64 {
	minutes := float64(now.Hour()*60 + now.Minute())
	switch source {
	case "Grid":
		if d.outOfRange {
			return 250000
		}
		return 800 + 400*math.Sin(minutes/30)
	case "Solar":
		return math.Max(0, 3000*math.Sin((minutes-360)/720*math.Pi))
	case "Consumption":
		return d.power("Grid", now) + d.power("Solar", now)
	}
	return 0
}

func (d *device) value(source, unit string, now time.Time, hours float64) interface{} {
	watts := d.power(source, now)
	switch unit {
	case "volts":
		return 230 + 2*math.Sin(float64(now.Second())/10)
	case "hz":
		return 50.0
	case "watts":
		return watts
	case "amps":
		return watts / 230
	case "pf":
		return 0.92
	case "va":
		return watts / 0.92
	case "var":
		return watts * 0.4
	case "wh":
		return watts * hours
	case "varh":
		return watts * 0.4 * hours
	}
	return nil
}
