package store

func RebindForTest(s *Store, q string) string { return s.rebind(q) }
