package coxfer

// noCopy marks Scheduler and Registry as not copyable for go vet's
// copylocks check. A copied scheduler would split its pending tasks
// from the transport that completes them.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
