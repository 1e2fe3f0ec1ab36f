//go:build !unix

package localstore

import "os"

// Without flock only writers inside this process are serialized.
func lockFileHandle(*os.File, bool) error { return nil }

func unlockFileHandle(*os.File) error { return nil }
