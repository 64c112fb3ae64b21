// Package mainthread serializes work onto a single long-lived worker.
//
// Every job submitted to a Thread runs on the same goroutine, one at a time,
// in submission order. Callers use RunAndWait to submit a job and block until
// that job has finished; the worker records each job's result or failure and
// parks it in a completion set until its submitter takes it back out.
//
// The guarantee that at most one job body runs at any instant is what lets
// job bodies touch a shared, stateful resource (a loaded model) without
// locking of their own.
package mainthread
