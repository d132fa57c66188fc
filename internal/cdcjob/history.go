package cdcjob

// RecordHistory appends a terminal task to the bounded history, evicting the
// oldest entries beyond the retention cap. A cap below 1 disables history.
func (j *Job) RecordHistory(t *Task) error {
	if j.historyCap < 1 {
		return nil
	}

	j.histMu.Lock()
	j.history = append(j.history, t)
	if over := len(j.history) - j.historyCap; over > 0 {
		clear(j.history[:over])
		j.history = j.history[over:]
	}
	j.histMu.Unlock()

	return j.checkpoint("history recorded")
}

// HistoryTasks returns the retained tasks, oldest first.
func (j *Job) HistoryTasks() []*Task {
	j.histMu.Lock()
	defer j.histMu.Unlock()
	return append([]*Task(nil), j.history...)
}

// Tasks returns the outstanding task followed by the history, newest first.
func (j *Job) Tasks() []*Task {
	hist := j.HistoryTasks()
	out := make([]*Task, 0, len(hist)+1)
	if t := j.running.Load(); t != nil {
		out = append(out, t)
	}
	for i := len(hist) - 1; i >= 0; i-- {
		out = append(out, hist[i])
	}
	return out
}
