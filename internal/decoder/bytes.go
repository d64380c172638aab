package decoder

import "io"

// ReadBytes reads exactly n bytes from r, issuing as many reads as needed.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, 0, n)
	for len(result) < n {
		buff := make([]byte, n-len(result))
		read, err := r.Read(buff)
		result = append(result, buff[:read]...)
		if err != nil {
			if len(result) == n {
				break
			}
			return nil, err
		}
	}

	return result, nil
}
