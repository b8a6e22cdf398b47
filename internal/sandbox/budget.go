package sandbox

// budget counts instructions executed by one script call and enforces a
// limit. It is reset before every call.
type budget struct {
	scene string
	limit int
	used  int
}

// charge adds n instructions and reports an error once the limit is passed.
// A non-positive limit disables the check.
func (b *budget) charge(n int) error {
	b.used += n
	if b.limit > 0 && b.used > b.limit {
		return &BudgetExceededError{Scene: b.scene, Used: b.used, Limit: b.limit}
	}
	return nil
}

func (b *budget) reset() {
	b.used = 0
}
