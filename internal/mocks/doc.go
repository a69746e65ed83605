// Package mocks provides shared mock implementations of the host contracts.
//
// The mocks stand in for the hosting platform (editor session, composer,
// search, draft storage, directory and the frame channel) so coordination
// logic can be tested without a browser or a forum instance.
//
// # Usage
//
//	import "composertemplates/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    searcher := mocks.NewMockSearcher()
//	    searcher.OnSearch(func(q host.SearchQuery) ([]host.Topic, error) {
//	        return []host.Topic{{ID: 1}}, nil
//	    })
//	    // Use searcher in test...
//	}
//
// # Available Mocks
//
//   - MockSession: in-memory host.Session with save recording
//   - MockComposer: host.Composer that opens MockSessions
//   - MockSearcher: host.Searcher
//   - MockDraftStore: host.DraftStore
//   - MockDirectory: host.Directory
//   - MockFrameSender: host.FrameSender
package mocks
