// Package status samples process and host resources for the status
// endpoints. Samplers are explicit objects with start/sample/close
// lifecycles, injected into the server rather than reached as globals.
package status

import (
	"bufio"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// CPUSampler reports CPU usage as the busy fraction between two
// consecutive samples of /proc/stat.
type CPUSampler struct {
	mu        sync.Mutex
	lastIdle  uint64
	lastTotal uint64
	primed    bool
}

func NewCPUSampler() *CPUSampler {
	s := &CPUSampler{}
	s.Sample() // prime the baseline
	return s
}

func (s *CPUSampler) Sample() float64 {
	idle, total, ok := readCPUTimes()
	if !ok {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.primed {
		s.primed = true
		s.lastIdle, s.lastTotal = idle, total
		return 0
	}
	dIdle := float64(idle - s.lastIdle)
	dTotal := float64(total - s.lastTotal)
	s.lastIdle, s.lastTotal = idle, total
	if dTotal <= 0 {
		return 0
	}
	usage := 1 - dIdle/dTotal
	if usage < 0 {
		return 0
	}
	if usage > 1 {
		return 1
	}
	return usage
}

func readCPUTimes() (idle, total uint64, ok bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] != "cpu" {
			continue
		}
		for i, v := range fields[1:] {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				continue
			}
			total += n
			if i == 3 { // idle column
				idle = n
			}
		}
		return idle, total, true
	}
	return 0, 0, false
}

// Traffic tracks request/response byte rates. Application-level counters
// are fed by Middleware; a background ticker additionally samples the
// host interfaces from /proc/net/dev when available.
type Traffic struct {
	inBytes  atomic.Int64
	outBytes atomic.Int64

	mu       sync.Mutex
	lastIn   int64
	lastOut  int64
	lastTime time.Time

	sys  sysTraffic
	done chan struct{}
	once sync.Once
}

type sysTraffic struct {
	mu        sync.Mutex
	available bool
	inSpeed   float64
	outSpeed  float64
	lastIn    uint64
	lastOut   uint64
	lastTime  time.Time
	primed    bool
}

func NewTraffic() *Traffic {
	t := &Traffic{lastTime: time.Now(), done: make(chan struct{})}
	go t.sysLoop()
	return t
}

// Close stops the host interface sampler.
func (t *Traffic) Close() {
	t.once.Do(func() { close(t.done) })
}

func (t *Traffic) sysLoop() {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	t.sys.update()
	for {
		select {
		case <-t.done:
			return
		case <-tick.C:
			t.sys.update()
		}
	}
}

func (s *sysTraffic) update() {
	in, out, ok := readNetDev()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.available = false
		return
	}
	now := time.Now()
	if !s.primed {
		s.primed = true
		s.lastIn, s.lastOut, s.lastTime = in, out, now
		s.available = true
		return
	}
	dt := now.Sub(s.lastTime).Seconds()
	if dt < 1 {
		dt = 1
	}
	s.inSpeed = float64(in-s.lastIn) / dt
	s.outSpeed = float64(out-s.lastOut) / dt
	s.lastIn, s.lastOut, s.lastTime = in, out, now
	s.available = true
}

func readNetDev() (in, out uint64, ok bool) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		fields := strings.Fields(line[i+1:])
		if len(fields) < 9 {
			continue
		}
		if rx, err := strconv.ParseUint(fields[0], 10, 64); err == nil {
			in += rx
		}
		if tx, err := strconv.ParseUint(fields[8], 10, 64); err == nil {
			out += tx
		}
	}
	return in, out, true
}

// Middleware counts request and response bytes for the rate sample.
func (t *Traffic) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength > 0 {
			t.inBytes.Add(r.ContentLength)
		}
		cw := &countingWriter{ResponseWriter: w}
		next.ServeHTTP(cw, r)
		t.outBytes.Add(cw.n)
	})
}

type countingWriter struct {
	http.ResponseWriter
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.ResponseWriter.Write(b)
	c.n += int64(n)
	return n, err
}

func (c *countingWriter) Flush() {
	if f, ok := c.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets WebSocket upgrades pass through the counter. Bytes on a
// hijacked connection are not counted; the system sampler covers them.
func (c *countingWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := c.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

// Sample returns bytes-per-second rates, preferring the host interface
// counters when /proc/net/dev is readable.
func (t *Traffic) Sample() (in, out float64) {
	t.sys.mu.Lock()
	if t.sys.available {
		in, out = t.sys.inSpeed, t.sys.outSpeed
		t.sys.mu.Unlock()
		return in, out
	}
	t.sys.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	dt := now.Sub(t.lastTime).Seconds()
	if dt < 1 {
		dt = 1
	}
	curIn, curOut := t.inBytes.Load(), t.outBytes.Load()
	in = float64(curIn-t.lastIn) / dt
	out = float64(curOut-t.lastOut) / dt
	t.lastIn, t.lastOut, t.lastTime = curIn, curOut, now
	return in, out
}

// Collector assembles the status payload the push channels carry.
type Collector struct {
	storageRoot string
	cpu         *CPUSampler
	traffic     *Traffic
	started     time.Time
}

func NewCollector(storageRoot string, cpu *CPUSampler, traffic *Traffic) *Collector {
	return &Collector{
		storageRoot: storageRoot,
		cpu:         cpu,
		traffic:     traffic,
		started:     time.Now(),
	}
}

// Payload builds one status document. Field aliases mirror what clients
// of earlier node versions expect.
func (c *Collector) Payload() map[string]any {
	memTotal, memUsed := readMemInfo()
	diskTotal, diskUsed, diskFree := diskInfo(c.storageRoot)
	cpuUsage := c.cpu.Sample()
	in, out := c.traffic.Sample()

	memUsage := 0.0
	if memTotal > 0 {
		memUsage = float64(memUsed) / float64(memTotal)
	}
	diskUsage := 0.0
	if diskTotal > 0 {
		diskUsage = float64(diskUsed) / float64(diskTotal)
	}
	return map[string]any{
		"mode":   "local",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"cpu":    map[string]any{"usage": cpuUsage},
		"memory": map[string]any{"total": memTotal, "used": memUsed, "usage": memUsage},
		"disk": map[string]any{
			"total": diskTotal, "used": diskUsed, "free": diskFree, "usage": diskUsage,
		},
		"bandwidth":     map[string]any{"in": in, "out": out, "up": out, "down": in},
		"cpuPercent":    cpuUsage * 100,
		"memoryUsed":    memUsed,
		"memoryTotal":   memTotal,
		"diskUsed":      diskUsed,
		"diskTotal":     diskTotal,
		"bandwidthUp":   out,
		"bandwidthDown": in,
		"up":            out,
		"down":          in,
		"online":        true,
		"reachable":     true,
		"uptime":        time.Since(c.started).Seconds(),
	}
}

func readMemInfo() (total, used uint64) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0
	}
	defer f.Close()
	var available uint64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = kb * 1024
		case "MemAvailable:":
			available = kb * 1024
		}
	}
	if total >= available {
		used = total - available
	}
	return total, used
}

func diskInfo(dir string) (total, used, free uint64) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(dir, &st); err != nil {
		return 0, 0, 0
	}
	total = uint64(st.Bsize) * st.Blocks
	free = uint64(st.Bsize) * st.Bfree
	if total >= free {
		used = total - free
	}
	return total, used, free
}
