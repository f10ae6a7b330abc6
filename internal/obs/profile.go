package obs

import (
	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// ProfileConfig selects the continuous-profiling backend.
type ProfileConfig struct {
	ApplicationName string
	ServerAddress   string
	Tags            map[string]string
}

type quietLogger struct{}

func (quietLogger) Infof(string, ...interface{})  {}
func (quietLogger) Debugf(string, ...interface{}) {}
func (quietLogger) Errorf(format string, args ...interface{}) {
	logs.Errorf("pyroscope: "+format, args...)
}

// StartProfiler starts pushing CPU and allocation profiles. The returned
// stop function flushes and detaches.
func StartProfiler(cfg ProfileConfig) (stop func() error, err error) {
	profiler, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          quietLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "start pyroscope")
	}
	logs.Infof("profiling %s to %s", cfg.ApplicationName, cfg.ServerAddress)
	return profiler.Stop, nil
}
