package connectivity

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds one health check.
const DefaultProbeTimeout = 5 * time.Second

// Probe periodically GETs a health URL and signals the Monitor when
// reachability changes. It is a runtime adapter: the sync core only sees
// the resulting transitions.
type Probe struct {
	monitor  *Monitor
	url      string
	schedule string
	client   *http.Client
	cron     *cron.Cron
	entryID  cron.EntryID
	log      *zap.Logger
}

// NewProbe creates a probe of url on a cron schedule such as "@every 30s".
// The schedule is validated here; checks start with Start.
func NewProbe(m *Monitor, url, schedule string, log *zap.Logger) (*Probe, error) {
	if url == "" {
		return nil, fmt.Errorf("probe: url must not be empty")
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("probe: invalid schedule %q: %w", schedule, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Probe{
		monitor:  m,
		url:      url,
		schedule: schedule,
		client:   &http.Client{Timeout: DefaultProbeTimeout},
		cron:     cron.New(),
		log:      log,
	}, nil
}

// Start schedules the checks.
func (p *Probe) Start() error {
	p.log.Info("starting connectivity probe",
		zap.String("url", p.url),
		zap.String("schedule", p.schedule),
	)

	id, err := p.cron.AddFunc(p.schedule, func() {
		p.Check(context.Background())
	})
	if err != nil {
		return fmt.Errorf("probe: schedule: %w", err)
	}
	p.entryID = id
	p.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running check to finish.
func (p *Probe) Stop() {
	<-p.cron.Stop().Done()
	p.log.Info("stopped connectivity probe")
}

// Check runs one health check and signals the result. A 2xx answer is
// online; anything else, including transport failure, is offline. The
// monitor ignores repeats, so only changes are emitted.
func (p *Probe) Check(ctx context.Context) Status {
	status := Offline
	reason := "probe"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		reason = "probe: " + err.Error()
	} else if resp, err := p.client.Do(req); err != nil {
		reason = "probe: " + err.Error()
	} else {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			status = Online
		} else {
			reason = fmt.Sprintf("probe: status %d", resp.StatusCode)
		}
	}

	if p.monitor.Signal(status, reason) {
		p.log.Debug("probe changed connectivity", zap.Stringer("status", status))
	}
	return status
}
