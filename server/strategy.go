package server

// PublicationStrategy controls how a publication's documents flow to
// the client: whether they pass through the session's merge box and
// whether the subscription tracks which documents it contributed.
type PublicationStrategy struct {
	// UseCollectionView routes deltas through the per-session merge
	// box, deduplicating against other subscriptions on the same
	// collection.
	UseCollectionView bool
	// DoAccountingForCollection keeps the per-subscription document
	// set needed to emit removed messages on unsubscribe.
	DoAccountingForCollection bool
}

// The three strategies. ServerMerge is the classic default; the
// no-merge variants trade correctness under overlapping subscriptions
// for server memory.
var (
	ServerMerge      = PublicationStrategy{UseCollectionView: true, DoAccountingForCollection: true}
	NoMergeNoHistory = PublicationStrategy{UseCollectionView: false, DoAccountingForCollection: false}
	NoMerge          = PublicationStrategy{UseCollectionView: false, DoAccountingForCollection: true}
)

// SetPublicationStrategy overrides the strategy for one publication
// name. Affects subscriptions started after the call.
func (s *Server) SetPublicationStrategy(publication string, strategy PublicationStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[publication] = strategy
}

// SetDefaultPublicationStrategy sets the process-wide default.
func (s *Server) SetDefaultPublicationStrategy(strategy PublicationStrategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultStrategy = strategy
}

func (s *Server) strategyFor(publication string) PublicationStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strategy, ok := s.strategies[publication]; ok {
		return strategy
	}
	return s.defaultStrategy
}
