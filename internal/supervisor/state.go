package supervisor

// State is the lifecycle state of the backend handle.
type State string

const (
	NotStarted State = "not_started"
	Starting   State = "starting"
	Running    State = "running"
	Stopped    State = "stopped"
	Failed     State = "failed"
)

func (s State) String() string { return string(s) }

// Active reports whether a handle is (or is about to be) live.
func (s State) Active() bool { return s == Starting || s == Running }
