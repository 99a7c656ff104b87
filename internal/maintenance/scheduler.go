package maintenance

import (
	"context"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// StartScheduler runs the batch on the cron spec until ctx is done.
func StartScheduler(ctx context.Context, runner *Runner, spec string) (*cron.Cron, error) {
	if runner == nil {
		return nil, fmt.Errorf("maintenance: nil runner")
	}
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("maintenance: empty schedule")
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if _, errAdd := c.AddFunc(spec, func() {
		if _, errRun := runner.Run(ctx, TriggerCron); errRun != nil {
			log.WithError(errRun).Warn("maintenance: scheduled run skipped")
		}
	}); errAdd != nil {
		return nil, fmt.Errorf("maintenance: invalid schedule %q: %w", spec, errAdd)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	log.Infof("maintenance scheduler started (schedule=%s)", spec)
	return c, nil
}
