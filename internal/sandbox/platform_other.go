//go:build !linux || !(amd64 || arm64)

package sandbox

func newPlatform(opts Options) Narrower {
	return &limitsOnly{limits: opts.WorkerRLimits}
}
