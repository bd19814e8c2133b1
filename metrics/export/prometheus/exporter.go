package prometheus

import (
	"bufio"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/MrEthical07/authcore"
	"github.com/MrEthical07/authcore/cache"
	"github.com/MrEthical07/authcore/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Source is what the exporter reads on every scrape. *authcore.Engine
// satisfies it.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
	CacheStats() map[string]cache.Stats
}

type Exporter struct {
	source Source
}

func New(source Source) *Exporter {
	return &Exporter{source: source}
}

func (e *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_ = e.Write(w)
	})
}

// Write renders one scrape to w.
func (e *Exporter) Write(w io.Writer) error {
	if e == nil || e.source == nil {
		return nil
	}
	snap := e.source.MetricsSnapshot()
	bw := bufio.NewWriterSize(w, 8192)
	pw := &promWriter{w: bw}

	for _, c := range internaldefs.Counters {
		pw.header(c.Name, c.Help, "counter")
		pw.sample(c.Name, "", snap.Counters[c.ID])
	}
	pw.header(internaldefs.AuditDropped.Name, internaldefs.AuditDropped.Help, "counter")
	pw.sample(internaldefs.AuditDropped.Name, "", e.source.AuditDropped())

	for _, h := range internaldefs.Histograms {
		buckets := internaldefs.Cumulative(snap.Histograms[h.ID])
		pw.header(h.Name, h.Help, "histogram")
		for i, n := range buckets {
			pw.sample(h.Name+"_bucket", `le="`+internaldefs.BoundLabel(i)+`"`, n)
		}
		pw.sample(h.Name+"_count", "", buckets[len(buckets)-1])
		// The engine keeps bucket counts only.
		pw.sample(h.Name+"_sum", "", 0)
	}

	stats := e.source.CacheStats()
	tiers := make([]string, 0, len(stats))
	for name := range stats {
		tiers = append(tiers, name)
	}
	sort.Strings(tiers)
	for _, g := range []struct {
		def internaldefs.Counter
		val func(cache.Stats) uint64
	}{
		{internaldefs.CacheTierHits, func(s cache.Stats) uint64 { return s.Hits }},
		{internaldefs.CacheTierMisses, func(s cache.Stats) uint64 { return s.Misses }},
		{internaldefs.CacheTierEntries, func(s cache.Stats) uint64 { return uint64(s.Len) }},
	} {
		if len(tiers) == 0 {
			break
		}
		pw.header(g.def.Name, g.def.Help, "gauge")
		for _, name := range tiers {
			pw.sample(g.def.Name, `tier="`+name+`"`, g.val(stats[name]))
		}
	}

	if pw.err != nil {
		return pw.err
	}
	return bw.Flush()
}

// promWriter remembers the first write error so callers check once.
type promWriter struct {
	w   *bufio.Writer
	err error
}

func (p *promWriter) line(parts ...string) {
	if p.err != nil {
		return
	}
	for _, s := range parts {
		if _, p.err = p.w.WriteString(s); p.err != nil {
			return
		}
	}
	p.err = p.w.WriteByte('\n')
}

func (p *promWriter) header(name, help, kind string) {
	p.line("# HELP ", name, " ", escapeHelp(help))
	p.line("# TYPE ", name, " ", kind)
}

func (p *promWriter) sample(name, labels string, v uint64) {
	if labels != "" {
		name += "{" + labels + "}"
	}
	p.line(name, " ", strconv.FormatUint(v, 10))
}

var helpEscaper = strings.NewReplacer(`\`, `\\`, "\n", `\n`)

func escapeHelp(s string) string { return helpEscaper.Replace(s) }
