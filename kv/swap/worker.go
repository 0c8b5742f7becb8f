package swap

import "sync"

type taskStop struct{}

// Task is anything a Worker hands to its handler.
type Task interface{}

// Worker runs a handler over tasks on a single goroutine, in the order they were sent.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			task := <-w.receiver
			if _, ok := task.(taskStop); ok {
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

func (w *Worker) Stop() {
	w.sender <- taskStop{}
}

func NewWorker(name string, capacity int, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, capacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
