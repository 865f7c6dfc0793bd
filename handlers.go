package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/datatypes"
)

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, reason string) {
	respondJSON(w, status, map[string]any{"ok": false, "error": reason})
}

func (s *Server) GETRoot(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("API ok"))
}

func (s *Server) GETTestTelegram(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("text")
	if text == "" {
		text = "Test from server"
	}
	if err := s.telegram.Send(r.Context(), text); err != nil {
		log.Printf("Telegram test failed: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// POSTRegister handles both team and solo sign-ups. Checks run in a
// fixed order: honeypot, captcha, cooldown, per-kind validation, then
// the fan-out to Challonge / the solo queue and Telegram.
func (s *Server) POSTRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// Honeypot: a bot filled the hidden field. Respond with the same
	// generic error as any other spam signal.
	if req.Honeypot != "" {
		respondError(w, http.StatusBadRequest, "Spam detected")
		return
	}

	captchaOK, err := s.captcha.Verify(r.Context(), req.HCaptchaToken)
	if err != nil {
		log.Printf("Captcha verification errored: %v", err)
	}
	if err != nil || !captchaOK {
		respondError(w, http.StatusBadRequest, "Captcha failed")
		return
	}

	joinType := strings.ToLower(cleanStr(req.JoinType))
	nick := cleanStr(req.PlayerNick)
	team := cleanStr(req.TeamOrNick)
	if team == "" {
		team = cleanStr(req.TeamName)
	}
	tg := cleanStr(req.Messenger)
	mail := cleanStr(req.Email)

	// Personal cooldown: one submission per 30s per contact (or IP).
	key := cooldownKey(tg, mail, r)
	if !s.cooldowns.Allow(key, submissionCooldown) {
		respondError(w, http.StatusTooManyRequests, "Please try again a little later.")
		return
	}

	if joinType == "solo" {
		s.registerSolo(w, r, req, nick, tg, mail)
	} else {
		s.registerTeam(w, r, req, team, nick, tg, mail)
	}
}

func (s *Server) registerTeam(w http.ResponseWriter, r *http.Request, req RegisterRequest, team, nick, tg, mail string) {
	if err := validateTeam(team, nick, tg, req.RosterText); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	misc, err := json.Marshal(map[string]string{
		"format":            req.Format,
		"captain_instagram": req.CaptainInstagram,
		"messenger":         tg,
		"phone":             req.Phone,
		"roster":            cleanStr(req.RosterText),
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Could not encode participant data")
		return
	}

	added, err := s.challonge.AddParticipant(r.Context(), team, string(misc))
	if err != nil {
		log.Printf("Challonge error: %v", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.recordRegistration(RegistrationEntry{
		Kind:      "team",
		Name:      team,
		Nick:      nick,
		Messenger: tg,
		Email:     mail,
		Phone:     req.Phone,
		Misc:      datatypes.JSON(misc),
	})

	text := fmt.Sprintf("🟢 <b>New team</b>\nTeam: <b>%s</b>\nCaptain: %s\nInstagram: %s\nTG: %s",
		escapeHTML(team), escapeHTML(nick), escapeHTML(orDash(req.CaptainInstagram)), escapeHTML(orDash(tg)))
	if req.Phone != "" {
		text += "  Phone: " + escapeHTML(req.Phone)
	}
	if roster := cleanStr(req.RosterText); roster != "" {
		text += "\nRoster: " + escapeHTML(roster)
	}
	if err := s.telegram.Send(r.Context(), text); err != nil {
		log.Printf("Telegram notify failed: %v", err)
	}

	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "participant": added})
}

func (s *Server) registerSolo(w http.ResponseWriter, r *http.Request, req RegisterRequest, nick, tg, mail string) {
	mmr, mmrOK := parseMMR(req.MMR)
	if err := validateSolo(nick, tg, mmr, mmrOK); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec := SoloQueueRecord{
		Nick:      nick,
		Instagram: req.CaptainInstagram,
		Messenger: tg,
		Email:     mail,
		Phone:     req.Phone,
		MMR:       &mmr,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if err := s.queue.Append(rec); err != nil {
		log.Printf("Solo queue write failed: %v", err)
		respondError(w, http.StatusInternalServerError, "Could not save request")
		return
	}

	s.recordRegistration(RegistrationEntry{
		Kind:      "solo",
		Name:      nick,
		Nick:      nick,
		Messenger: tg,
		Email:     mail,
		Phone:     req.Phone,
		MMR:       &mmr,
	})

	// Respond first. The notification must never delay or fail a solo
	// registration, so it runs after the response on its own goroutine.
	respondJSON(w, http.StatusOK, map[string]any{"ok": true, "queued": true})

	text := fmt.Sprintf("🟡 <b>Solo request</b>\nNick: <b>%s</b>\nMMR: %g\nTG: %s\nEmail: %s  Phone: %s",
		escapeHTML(nick), mmr, escapeHTML(orDash(tg)), escapeHTML(orDash(mail)), escapeHTML(orDash(req.Phone)))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.telegram.Send(ctx, text); err != nil {
			log.Printf("Telegram notify failed: %v", err)
		}
	}()
}

// recordRegistration writes the audit row for an accepted registration.
// The audit log is best effort and never fails the request.
func (s *Server) recordRegistration(entry RegistrationEntry) {
	if err := s.db.Create(&entry).Error; err != nil {
		log.Printf("Failed to record registration: %v", err)
	}
}

// cooldownKey picks the throttling key for a submission: messenger
// handle, else email, else the client's address.
func cooldownKey(tg, mail string, r *http.Request) string {
	if tg != "" {
		return tg
	}
	if mail != "" {
		return mail
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (s *Server) GETSoloQueue(w http.ResponseWriter, r *http.Request) {
	records := s.queue.List()
	if records == nil {
		records = []SoloQueueRecord{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) GETRegistrations(w http.ResponseWriter, r *http.Request) {
	var entries []RegistrationEntry
	if err := s.db.Order("created_at DESC").Find(&entries).Error; err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) POSTLoginHandler(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	// Check if rate limit has been exceeded
	key := loginRateLimitKey(r, creds.Username)
	ctx, err := s.loginRateLimiter.Peek(r.Context(), key)
	if err != nil {
		http.Error(w, "Rate limiter error", http.StatusInternalServerError)
		return
	}
	if ctx.Reached {
		http.Error(w, "Too many failed login attempts", http.StatusTooManyRequests)
		return
	}

	dbCreds := &DBCredentials{}
	result := s.db.First(dbCreds, "username = ?", creds.Username)
	if result.Error != nil {
		s.loginRateLimiter.Increment(r.Context(), key, 2)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	err = bcrypt.CompareHashAndPassword([]byte(dbCreds.PasswordHash), []byte(creds.Password))
	if err != nil {
		s.loginRateLimiter.Increment(r.Context(), key, 2)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	expiration := time.Now().Add(60 * time.Minute)
	claims := &Claims{
		Username: creds.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(jwtKey)
	if err != nil {
		http.Error(w, "Could not generate token", http.StatusInternalServerError)
		return
	}

	// Set HTTP-only JWT cookie
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    tokenStr,
		HttpOnly: true,
		Secure:   !s.devMode,
		SameSite: http.SameSiteNoneMode,
		Path:     "/",
	})
	w.WriteHeader(http.StatusOK)
}

func loginRateLimitKey(r *http.Request, username string) string {
	ip := r.RemoteAddr
	return fmt.Sprintf("%s:%s", ip, username)
}

func (s *Server) POSTLogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   !s.devMode,
		SameSite: http.SameSiteNoneMode,
		Expires:  time.Unix(0, 0), // Expire immediately
		MaxAge:   -1,              // Force deletion
	})
	w.WriteHeader(http.StatusOK)
}

func (s *Server) GETAuthMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(userContextKey).(*Claims)
	if !ok || claims == nil {
		http.Error(w, "User info not found in context", http.StatusInternalServerError)
		return
	}

	dbCreds := &DBCredentials{}
	result := s.db.First(dbCreds, "username = ?", claims.Username)
	if result.Error != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]any{
		"authenticated": true,
		"username":      claims.Username,
	})
}

func (s *Server) POSTChangePasswordHandler(w http.ResponseWriter, r *http.Request) {
	claims, ok := r.Context().Value(userContextKey).(*Claims)
	if !ok || claims == nil {
		http.Error(w, "User info not found in context", http.StatusInternalServerError)
		return
	}

	var pwChangeReq PWChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&pwChangeReq); err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	dbCreds := &DBCredentials{}
	result := s.db.First(dbCreds, "username = ?", claims.Username)
	if result.Error != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	err := bcrypt.CompareHashAndPassword([]byte(dbCreds.PasswordHash), []byte(pwChangeReq.CurrentPassword))
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pwChangeReq.NewPassword), bcrypt.DefaultCost)
	if err != nil {
		http.Error(w, "Could not check password", http.StatusInternalServerError)
		return
	}
	dbCreds.PasswordHash = string(hash)
	if err := s.db.Save(&dbCreds).Error; err != nil {
		http.Error(w, "Could not save password", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
