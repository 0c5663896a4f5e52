package common

// SHAssert panics with msg when cond does not hold. Used for
// programming-contract violations where continuing would risk silent
// data corruption.
func SHAssert(cond bool, msg string) {
	if !cond {
		panic(msg)
	}
}
