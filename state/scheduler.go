package state

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// Dispatch Dispatches the function to run on the main thread without waiting for it to complete
func (e *Env) Dispatch(fun func(*State) error) {
	defer func() {
		if r := recover(); r != nil {
			e.Cancel(fmt.Errorf("panic: %v", r))
		}
	}()
	select {
	case e.DispatchChannel <- fun:
	case <-e.Context.Done():
	}
}

func (e *Env) ScheduleTask(fun func(*State) error, delay time.Duration) {
	time.AfterFunc(delay, func() {
		if e.Context.Err() != nil {
			return
		}
		e.Dispatch(fun)
	})
}

func (e *Env) repeatedTask(fun func(*State) error, delay, jitter time.Duration) {
	for e.Context.Err() == nil {
		e.Dispatch(fun)
		wait := delay
		if jitter > 0 {
			wait += time.Duration(rand.Int64N(int64(2*jitter))) - jitter
		}
		select {
		case <-time.After(wait):
		case <-e.Context.Done():
		}
	}
}

func (e *Env) RepeatTask(fun func(*State) error, delay time.Duration) {
	go e.repeatedTask(fun, delay, 0)
}

// RepeatJitteredTask is RepeatTask with each period randomised by up to jitter in either direction.
func (e *Env) RepeatJitteredTask(fun func(*State) error, delay, jitter time.Duration) {
	go e.repeatedTask(fun, delay, jitter)
}
