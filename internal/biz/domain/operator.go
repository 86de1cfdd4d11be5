package domain

// Operator represents one member of the static operator allow-list.
// Rating is the cumulative (not decaying) mean of all stars ever received.
type Operator struct {
	OperatorID    string
	DisplayName   string
	IsActive      bool
	Rating        float64
	TotalSessions int
}

// RatingAfter computes the cumulative mean after one more rating. It is a
// pure function; OperatorDirectory applies it under its lock so concurrent
// ratings of the same operator never lose updates.
func (o *Operator) RatingAfter(stars int) float64 {
	return (o.Rating*float64(o.TotalSessions) + float64(stars)) / float64(o.TotalSessions+1)
}
