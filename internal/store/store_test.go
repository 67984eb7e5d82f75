package store

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chatty.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		s.Shutdown()
		s.Close()
	})
	return s
}

func TestValidUsername(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"", false},
		{"alice", true},
		{"#deleted_user", false}, // '#' is punctuation; reservation is also checked separately
		{"_bob", false},
		{"!bob", false},
		{string(make([]byte, 33)), false},
	}
	for _, c := range cases {
		if got := ValidUsername(c.name); got != c.ok {
			t.Errorf("ValidUsername(%q) = %v, want %v", c.name, got, c.ok)
		}
	}
}

func TestInsertUserCollisionAndReserved(t *testing.T) {
	s := openTest(t)

	if err := s.InsertUser("alice", 3); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}
	if err := s.InsertUser("alice", 4); err != ErrNickAlready {
		t.Fatalf("duplicate InsertUser err = %v, want ErrNickAlready", err)
	}
	if err := s.InsertUser(SentinelDeletedUser, 5); err != ErrNickAlready {
		t.Fatalf("reserved name InsertUser err = %v, want ErrNickAlready", err)
	}

	if _, err := s.CreateGroup("bob-group", "bob-owner"); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.InsertUser("bob-group", 6); err != ErrNickAlready {
		t.Fatalf("InsertUser colliding with group name err = %v, want ErrNickAlready", err)
	}
}

func TestConnectUserLifecycle(t *testing.T) {
	s := openTest(t)
	if err := s.InsertUser("alice", VoidFD); err != nil {
		t.Fatalf("InsertUser: %v", err)
	}

	if err := s.ConnectUser("ghost", 1); err != ErrNickUnknown {
		t.Fatalf("ConnectUser unknown err = %v, want ErrNickUnknown", err)
	}

	if err := s.ConnectUser("alice", 7); err != nil {
		t.Fatalf("ConnectUser: %v", err)
	}
	if err := s.ConnectUser("alice", 7); err != nil {
		t.Fatalf("idempotent ConnectUser: %v", err)
	}
	if err := s.ConnectUser("alice", 8); err != ErrAlreadyConnected {
		t.Fatalf("ConnectUser from different fd err = %v, want ErrAlreadyConnected", err)
	}

	if err := s.DisconnectByFD(7); err != nil {
		t.Fatalf("DisconnectByFD: %v", err)
	}
	if err := s.ConnectUser("alice", 9); err != nil {
		t.Fatalf("ConnectUser after disconnect: %v", err)
	}
}

func TestRemoveUserRewritesSender(t *testing.T) {
	s := openTest(t)
	if err := s.InsertUser("alice", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertUser("bob", 2); err != nil {
		t.Fatal(err)
	}
	chatID, err := s.CreatePeerChat()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertIntoChat("alice", chatID); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertIntoChat("bob", chatID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertText("alice", "hi bob", chatID); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveUser("alice"); err != nil {
		t.Fatalf("RemoveUser: %v", err)
	}

	msgs, err := s.RecentMessages("bob", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Sender != SentinelDeletedUser {
		t.Fatalf("expected rewritten sentinel sender, got %+v", msgs)
	}
}

func TestGroupMembershipAndRemoval(t *testing.T) {
	s := openTest(t)
	for _, u := range []string{"alice", "bob", "carl"} {
		if err := s.InsertUser(u, 1); err != nil {
			t.Fatal(err)
		}
	}
	chatID, err := s.CreateGroup("team", "alice")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.InsertIntoChat("bob", chatID); err != nil {
		t.Fatalf("InsertIntoChat: %v", err)
	}
	if err := s.InsertIntoChat("bob", chatID); err != ErrNickAlready {
		t.Fatalf("duplicate InsertIntoChat err = %v, want ErrNickAlready", err)
	}

	if _, err := s.InsertText("bob", "hello team", chatID); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveFromGroup(chatID, "carl"); err != ErrNotMember {
		t.Fatalf("RemoveFromGroup non-member err = %v, want ErrNotMember", err)
	}
	if err := s.RemoveFromGroup(chatID, "bob"); err != nil {
		t.Fatalf("RemoveFromGroup: %v", err)
	}

	msgs, err := s.RecentMessages("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Sender != SentinelUserLeftGroup {
		t.Fatalf("expected left-group sentinel sender, got %+v", msgs)
	}

	if err := s.DeleteGroup("bob", "team"); err != ErrNotCreator {
		t.Fatalf("DeleteGroup by non-creator err = %v, want ErrNotCreator", err)
	}
	if err := s.DeleteGroup("alice", "team"); err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if _, ok, err := s.GroupChatID("team"); err != nil || ok {
		t.Fatalf("group should no longer resolve after delete, ok=%v err=%v", ok, err)
	}
}

func TestPeerChatIDLookup(t *testing.T) {
	s := openTest(t)
	for _, u := range []string{"alice", "bob"} {
		if err := s.InsertUser(u, 1); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok, err := s.PeerChatID("alice", "bob"); err != nil || ok {
		t.Fatalf("no peer chat should exist yet, ok=%v err=%v", ok, err)
	}
	chatID, err := s.CreatePeerChat()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.InsertIntoChat("alice", chatID); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertIntoChat("bob", chatID); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.PeerChatID("alice", "bob")
	if err != nil || !ok || got != chatID {
		t.Fatalf("PeerChatID = (%d, %v), want (%d, true)", got, ok, chatID)
	}
}

func TestRecentMessagesExcludesSelfAndOrdersDescending(t *testing.T) {
	s := openTest(t)
	for _, u := range []string{"alice", "bob"} {
		if err := s.InsertUser(u, 1); err != nil {
			t.Fatal(err)
		}
	}
	chatID, err := s.CreatePeerChat()
	if err != nil {
		t.Fatal(err)
	}
	s.InsertIntoChat("alice", chatID)
	s.InsertIntoChat("bob", chatID)

	if _, err := s.InsertText("bob", "first", chatID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertText("alice", "from myself", chatID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertText("bob", "second", chatID); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.RecentMessages("alice", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages (self-sent excluded), got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].TextOrFilename != "second" || msgs[1].TextOrFilename != "first" {
		t.Fatalf("expected newest-first ordering, got %+v", msgs)
	}
}

func TestFileMessageLookup(t *testing.T) {
	s := openTest(t)
	for _, u := range []string{"alice", "bob"} {
		if err := s.InsertUser(u, 1); err != nil {
			t.Fatal(err)
		}
	}
	chatID, err := s.CreatePeerChat()
	if err != nil {
		t.Fatal(err)
	}
	s.InsertIntoChat("alice", chatID)
	s.InsertIntoChat("bob", chatID)

	if _, err := s.FileMessage("alice", "report.pdf"); err != ErrNoSuchFile {
		t.Fatalf("FileMessage before insert err = %v, want ErrNoSuchFile", err)
	}

	msgID, err := s.InsertFile("bob", "report.pdf", chatID)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.FileMessage("alice", "report.pdf")
	if err != nil || got != msgID {
		t.Fatalf("FileMessage = (%d, %v), want (%d, nil)", got, err, msgID)
	}
}

func TestStatsIncrementAndSnapshot(t *testing.T) {
	s := openTest(t)
	if err := s.InsertUser("alice", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertUser("bob", VoidFD); err != nil {
		t.Fatal(err)
	}

	if err := s.IncrDeliveredTxt(); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrDeliveredTxt(); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrNotDeliveredFile(); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrErrors(); err != nil {
		t.Fatal(err)
	}

	st, err := s.GetStats()
	if err != nil {
		t.Fatal(err)
	}
	if st.DeliveredTxt != 2 || st.NotDeliveredFile != 1 || st.Errors != 1 {
		t.Fatalf("unexpected stats snapshot: %+v", st)
	}
	if st.NUsers != 2 || st.NOnline != 1 {
		t.Fatalf("unexpected user counts: %+v", st)
	}
}

func TestBackupWritesConsistentCopy(t *testing.T) {
	s := openTest(t)
	if err := s.InsertUser("alice", 1); err != nil {
		t.Fatal(err)
	}
	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	copy, err := Open(dest)
	if err != nil {
		t.Fatalf("Open backup: %v", err)
	}
	defer func() {
		copy.Shutdown()
		copy.Close()
	}()
	names, err := copy.AllUsernames()
	if err != nil || len(names) != 1 || names[0] != "alice" {
		t.Fatalf("backup contents = %v, err = %v", names, err)
	}
}

func TestCoordinatorAllowsConcurrentReadersSerializesWriters(t *testing.T) {
	s := openTest(t)
	if err := s.InsertUser("alice", 1); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AllUsernames(); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Read failed: %v", err)
	}
}

func TestCoordinatorShutdownFailsFast(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatty.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Shutdown()

	if err := s.InsertUser("alice", 1); err != ErrTerminated {
		t.Fatalf("Write after Shutdown err = %v, want ErrTerminated", err)
	}
	if _, err := s.AllUsernames(); err != ErrTerminated {
		t.Fatalf("Read after Shutdown err = %v, want ErrTerminated", err)
	}
}

func TestUserExists(t *testing.T) {
	s := openTest(t)
	if ok, err := s.UserExists("alice"); err != nil || ok {
		t.Fatalf("UserExists before insert = (%v, %v), want (false, nil)", ok, err)
	}
	if err := s.InsertUser("alice", 1); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.UserExists("alice"); err != nil || !ok {
		t.Fatalf("UserExists after insert = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestChatRecipientsExcludesSenderAndReportsOfflineFD(t *testing.T) {
	s := openTest(t)
	if err := s.InsertUser("alice", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertUser("bob", VoidFD); err != nil {
		t.Fatal(err)
	}
	chatID, err := s.CreatePeerChat()
	if err != nil {
		t.Fatal(err)
	}
	s.InsertIntoChat("alice", chatID)
	s.InsertIntoChat("bob", chatID)

	recipients, err := s.ChatRecipients(chatID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(recipients) != 1 || recipients[0].Username != "bob" || recipients[0].FD != VoidFD {
		t.Fatalf("unexpected recipients: %+v", recipients)
	}
}

func TestAllRecipientsExcludesSender(t *testing.T) {
	s := openTest(t)
	for _, u := range []string{"alice", "bob", "carl"} {
		if err := s.InsertUser(u, 1); err != nil {
			t.Fatal(err)
		}
	}
	recipients, err := s.AllRecipients("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(recipients) != 2 {
		t.Fatalf("expected 2 recipients excluding sender, got %d: %+v", len(recipients), recipients)
	}
	for _, r := range recipients {
		if r.Username == "alice" {
			t.Fatalf("AllRecipients must exclude the sender, got %+v", recipients)
		}
	}
}

func TestMigrateIsIdempotentAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatty.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.InsertUser("alice", 1); err != nil {
		t.Fatal(err)
	}
	s1.Shutdown()
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		s2.Shutdown()
		s2.Close()
	}()
	names, err := s2.AllUsernames()
	if err != nil || len(names) != 1 || names[0] != "alice" {
		t.Fatalf("reopened store contents = %v, err = %v", names, err)
	}
	// current_fd must have been reset to VoidFD on reopen.
	online, err := s2.OnlineUsernames()
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 0 {
		t.Fatalf("expected no online users after restart reset, got %v", online)
	}
}

func TestOpenExistingDoesNotResetConnections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatty.db")
	s1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s1.InsertUser("alice", 7); err != nil {
		t.Fatal(err)
	}

	s2, err := OpenExisting(path)
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	defer s2.Close()

	online, err := s1.OnlineUsernames()
	if err != nil {
		t.Fatal(err)
	}
	if len(online) != 1 || online[0] != "alice" {
		t.Fatalf("OpenExisting must not reset current_fd; online = %v", online)
	}

	s1.Shutdown()
	s1.Close()
}

func TestWriteStatsFile(t *testing.T) {
	s := openTest(t)
	if err := s.InsertUser("alice", 5); err != nil {
		t.Fatal(err)
	}
	if err := s.IncrDeliveredTxt(); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "stats.txt")
	if err := s.WriteStatsFile(path); err != nil {
		t.Fatalf("WriteStatsFile: %v", err)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read stats file: %v", err)
	}
	if !strings.Contains(string(body), "nusers=1") || !strings.Contains(string(body), "delivered_txt=1") {
		t.Fatalf("stats file contents unexpected: %q", body)
	}
}
