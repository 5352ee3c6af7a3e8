package scheduler

import "container/heap"

// jobQueue is a min-heap of jobs ordered by run time, then ID
type jobQueue []*Job

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].RunAt.Equal(q[j].RunAt) {
		return q[i].ID < q[j].ID
	}
	return q[i].RunAt.Before(q[j].RunAt)
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	job := x.(*Job)
	job.index = len(*q)
	*q = append(*q, job)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*q = old[:n-1]
	return job
}

// peek returns the earliest job without removing it
func (q jobQueue) peek() *Job {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

func (q *jobQueue) remove(job *Job) {
	if job.index >= 0 && job.index < len(*q) {
		heap.Remove(q, job.index)
	}
}
