package process

import "strconv"

// taskkillArgs ends pid and all its descendants. On Windows the backend runs
// as `cmd /C ruby ...`, so killing cmd.exe alone leaves ruby holding the port.
func taskkillArgs(pid int) []string {
	return []string{"/T", "/F", "/PID", strconv.Itoa(pid)}
}
