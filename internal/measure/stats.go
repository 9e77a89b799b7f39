package measure

import "math"

// Bucket is one histogram bin, reported as its lower bound and count.
type Bucket struct {
	Lower float64
	Count int
}

// Stats summarises the latency distribution of a run.
type Stats struct {
	Count     int
	Mean      float64
	StdDev    float64
	Min       float64
	Max       float64
	Histogram []Bucket
}

// Summarize computes the mean, the population standard deviation and a
// histogram over [min, max]. Buckets are half-open intervals [lo, lo+w) except
// the last, which is closed at the maximum. Equal values all land in the first bucket.
func Summarize(values []float64, buckets int) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	if buckets <= 0 {
		buckets = 1
	}

	st := Stats{Count: len(values), Min: values[0], Max: values[0]}

	var sum float64
	for _, v := range values {
		sum += v
		st.Min = math.Min(st.Min, v)
		st.Max = math.Max(st.Max, v)
	}
	st.Mean = sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - st.Mean
		sq += d * d
	}
	st.StdDev = math.Sqrt(sq / float64(len(values)))

	width := (st.Max - st.Min) / float64(buckets)
	st.Histogram = make([]Bucket, buckets)
	for i := range st.Histogram {
		st.Histogram[i].Lower = st.Min + float64(i)*width
	}
	for _, v := range values {
		i := 0
		if width > 0 {
			i = int((v - st.Min) / width)
			if i >= buckets {
				i = buckets - 1
			}
		}
		st.Histogram[i].Count++
	}
	return st
}
