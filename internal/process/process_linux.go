package process

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FindTCP attributes a local TCP source address to the owning process
// by walking /proc/net/tcp[6] for the socket inode and /proc/*/fd for
// its holder.
func FindTCP(src string) (*Info, error) {
	host, portStr, err := net.SplitHostPort(src)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("process: bad source ip %s", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}

	table := "/proc/net/tcp"
	if ip.To4() == nil {
		table = "/proc/net/tcp6"
	}
	inode, uid, err := socketInode(table, ip, uint16(port))
	if err != nil {
		return nil, err
	}

	pid, err := inodeOwner(inode)
	if err != nil {
		return nil, err
	}

	info := &Info{PID: pid, UID: uid}
	if comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid)); err == nil {
		info.Name = strings.TrimSpace(string(comm))
	}
	if exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid)); err == nil {
		info.Path = exe
	}
	return info, nil
}

// socketInode scans a /proc/net table for the socket bound to ip:port.
func socketInode(table string, ip net.IP, port uint16) (inode uint64, uid int, err error) {
	f, err := os.Open(table)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	want := hexAddr(ip, port)

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		if !strings.EqualFold(fields[1], want) {
			continue
		}
		uid, err = strconv.Atoi(fields[7])
		if err != nil {
			return 0, 0, err
		}
		inode, err = strconv.ParseUint(fields[9], 10, 64)
		return inode, uid, err
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, ErrNotFound
}

// hexAddr renders ip:port the way /proc/net/tcp does: little-endian
// 32-bit groups for the address, big-endian port, all upper-case hex.
func hexAddr(ip net.IP, port uint16) string {
	var raw []byte
	if ip4 := ip.To4(); ip4 != nil {
		raw = make([]byte, 4)
		for i := 0; i < 4; i++ {
			raw[i] = ip4[3-i]
		}
	} else {
		ip16 := ip.To16()
		raw = make([]byte, 16)
		for g := 0; g < 4; g++ {
			for i := 0; i < 4; i++ {
				raw[g*4+i] = ip16[g*4+3-i]
			}
		}
	}
	return strings.ToUpper(hex.EncodeToString(raw)) + ":" + fmt.Sprintf("%04X", port)
}

// inodeOwner finds the pid holding the socket inode.
func inodeOwner(inode uint64) (int, error) {
	target := fmt.Sprintf("socket:[%d]", inode)

	proc, err := os.ReadDir("/proc")
	if err != nil {
		return 0, err
	}
	for _, entry := range proc {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", entry.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return pid, nil
			}
		}
	}
	return 0, ErrNotFound
}
