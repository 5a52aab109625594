package sim

import (
	"sync"
	"time"
)

// Faults is the fault-injection seam of the simulated device. Every method is
// safe to call while the device is in use.
type Faults struct {
	mu sync.Mutex

	mallocFailures int
	copyFailures   int
	noBatchCopy    bool
	maxStreams     int

	launchFailures map[string]bool
	kernelFaults   map[string]bool
	kernelDelays   map[string]time.Duration
	// eosAt maps a function to the 1-based execution that reports
	// end-of-sequence instead of running.
	eosAt map[string]int64
	runs  map[string]int64
}

func newFaults() *Faults {
	return &Faults{
		maxStreams:     -1,
		launchFailures: make(map[string]bool),
		kernelFaults:   make(map[string]bool),
		kernelDelays:   make(map[string]time.Duration),
		eosAt:          make(map[string]int64),
		runs:           make(map[string]int64),
	}
}

// FailNextMallocs makes the next n Malloc calls fail with an out-of-memory
// status.
func (f *Faults) FailNextMallocs(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mallocFailures = n
}

// FailNextCopies makes the next n single host-to-device copies fail.
func (f *Faults) FailNextCopies(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copyFailures = n
}

// DisableBatchCopy makes MemcpyBatchH2D answer FeatureNotSupported.
func (f *Faults) DisableBatchCopy() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noBatchCopy = true
}

// LimitStreams caps AvailableStreams at n.
func (f *Faults) LimitStreams(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxStreams = n
}

// FailLaunch makes every launch of function fail synchronously.
func (f *Faults) FailLaunch(function string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launchFailures[function] = true
}

// FaultKernel makes function fault asynchronously when it runs; the fault
// is reported by the next stream synchronize.
func (f *Faults) FaultKernel(function string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kernelFaults[function] = true
}

// DelayKernel makes every execution of function take at least d.
func (f *Faults) DelayKernel(function string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kernelDelays[function] = d
}

// EndOfSequenceAt makes the nth execution (1-based) of function report
// end-of-sequence on its stream instead of running.
func (f *Faults) EndOfSequenceAt(function string, nth int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eosAt[function] = nth
}

// Reset clears every injected fault.
func (f *Faults) Reset() {
	fresh := newFaults()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mallocFailures = 0
	f.copyFailures = 0
	f.noBatchCopy = false
	f.maxStreams = fresh.maxStreams
	f.launchFailures = fresh.launchFailures
	f.kernelFaults = fresh.kernelFaults
	f.kernelDelays = fresh.kernelDelays
	f.eosAt = fresh.eosAt
	f.runs = fresh.runs
}

func (f *Faults) takeMallocFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.mallocFailures > 0 {
		f.mallocFailures--
		return true
	}
	return false
}

func (f *Faults) takeCopyFailure() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyFailures > 0 {
		f.copyFailures--
		return true
	}
	return false
}

func (f *Faults) batchCopyDisabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.noBatchCopy
}

func (f *Faults) streamLimit() (int, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxStreams, f.maxStreams >= 0
}

func (f *Faults) launchFails(function string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.launchFailures[function]
}

// execution decides what happens when function runs on a stream.
type execution struct {
	delay time.Duration
	fault bool
	eos   bool
}

func (f *Faults) onRun(function string) execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[function]++
	n := f.runs[function]
	return execution{
		delay: f.kernelDelays[function],
		fault: f.kernelFaults[function],
		eos:   f.eosAt[function] > 0 && f.eosAt[function] == n,
	}
}
